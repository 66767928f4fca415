package execenv

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
)

// Generator fabricates plausible synthetic records. Output is a pure
// function of (seed, table, id), so the same id maps to the same fake
// across processes and sessions.
type Generator struct {
	seed string
}

// NewGenerator creates a generator over a plane seed. Distinct seeds
// produce disjoint fabrications.
func NewGenerator(seed string) *Generator {
	return &Generator{seed: seed}
}

func (g *Generator) rng(table string, id int) *rand.Rand {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", g.seed, table, id)))
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
}

var (
	firstNames = []string{
		"Alice", "Marcus", "Elena", "David", "Priya", "James", "Sofia",
		"Daniel", "Mei", "Robert", "Hannah", "Omar", "Grace", "Victor",
		"Nadia", "Paul", "Irene", "Samuel", "Clara", "Tomas",
	}
	lastNames = []string{
		"Whitfield", "Okafor", "Lindqvist", "Moreau", "Tanaka", "Petrov",
		"Alvarez", "Keller", "Nakamura", "Sorensen", "Delgado", "Fischer",
		"Mbeki", "Ivanova", "Castellanos", "Hargrove", "Osei", "Lindgren",
	}
	diagnoses = []string{
		"Type 2 diabetes mellitus", "Essential hypertension",
		"Chronic migraine", "Asthma, mild persistent",
		"Hypothyroidism", "Generalized anxiety disorder",
		"Osteoarthritis of the knee", "Seasonal allergic rhinitis",
		"Iron deficiency anemia", "Gastroesophageal reflux disease",
	}
	medications = []string{
		"Metformin 500mg BID", "Lisinopril 10mg QD", "Sumatriptan 50mg PRN",
		"Albuterol inhaler PRN", "Levothyroxine 75mcg QD",
		"Sertraline 50mg QD", "Naproxen 250mg BID", "Loratadine 10mg QD",
		"Ferrous sulfate 325mg QD", "Omeprazole 20mg QD",
	}
	departments = []string{
		"Research", "Engineering", "Clinical Operations", "Finance",
		"Quality Assurance", "Regulatory Affairs", "Facilities",
	}
	roles = []string{
		"Analyst", "Senior Researcher", "Lab Technician", "Coordinator",
		"Engineer", "Specialist", "Program Manager",
	}
)

func pick(r *rand.Rand, list []string) string {
	return list[r.Intn(len(list))]
}

// Patient fabricates a patient record for id.
func (g *Generator) Patient(id int) *Patient {
	r := g.rng("patients", id)
	first := pick(r, firstNames)
	last := pick(r, lastNames)
	return &Patient{
		ID:         id,
		Name:       first + " " + last,
		DOB:        fmt.Sprintf("%d-%02d-%02d", 1940+r.Intn(60), 1+r.Intn(12), 1+r.Intn(28)),
		Diagnosis:  pick(r, diagnoses),
		Medication: pick(r, medications),
		Physician:  "Dr. " + pick(r, lastNames),
	}
}

// Employee fabricates an employee record for id.
func (g *Generator) Employee(id int) *Employee {
	r := g.rng("employees", id)
	first := pick(r, firstNames)
	last := pick(r, lastNames)
	return &Employee{
		ID:         id,
		Name:       first + " " + last,
		Role:       pick(r, roles),
		Department: pick(r, departments),
		Salary:     55000 + r.Intn(90)*1000,
		Email:      strings.ToLower(first) + "." + strings.ToLower(last) + "@corp.example",
	}
}

// FileContent fabricates contents for a file path that does not exist
// on the shadow plane. The shape follows the extension so the payload
// reads as a real artifact.
func (g *Generator) FileContent(path string) string {
	r := g.rng("files", int(pathHash(path)))

	switch {
	case strings.HasSuffix(path, ".json"):
		return fmt.Sprintf(
			"{\n  \"document\": %q,\n  \"revision\": %d,\n  \"owner\": %q,\n  \"classification\": \"internal\",\n  \"payload\": {\n    \"batch\": \"%s-%04d\",\n    \"yield\": %.2f,\n    \"verified\": %v\n  }\n}\n",
			baseName(path), 1+r.Intn(9),
			strings.ToLower(pick(r, firstNames)),
			pick(r, []string{"QN", "AX", "RV"}), r.Intn(10000),
			0.5+r.Float64()*0.5, r.Intn(2) == 0,
		)
	case strings.HasSuffix(path, ".csv"):
		var b strings.Builder
		b.WriteString("id,name,value\n")
		for i := 0; i < 5; i++ {
			fmt.Fprintf(&b, "%d,%s,%d\n", i+1, pick(r, lastNames), r.Intn(1000))
		}
		return b.String()
	default:
		return fmt.Sprintf(
			"%s\n\nPrepared by %s %s.\nRevision %d. Internal distribution only.\n\n%s\n",
			strings.ToUpper(strings.ReplaceAll(baseName(path), "_", " ")),
			pick(r, firstNames), pick(r, lastNames),
			1+r.Intn(9),
			loremLine(r),
		)
	}
}

func loremLine(r *rand.Rand) string {
	fragments := []string{
		"Summary of findings attached in the appendix.",
		"Figures reflect the most recent quarterly review.",
		"Contact the document owner before redistribution.",
		"Supersedes all previously circulated drafts.",
	}
	return pick(r, fragments)
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		path = path[:i]
	}
	return path
}

func pathHash(path string) uint32 {
	sum := sha256.Sum256([]byte(path))
	return binary.BigEndian.Uint32(sum[:4])
}
