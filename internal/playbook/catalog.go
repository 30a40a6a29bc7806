// Package playbook loads the remediation catalog and caches controller runbooks.
package playbook

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"opsisagent/internal/domain"
	"opsisagent/internal/trust"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

var structValidate = validator.New()

// Placeholders substituted by Render.
const (
	VarService = "service"
	VarDrive   = "drive"
	VarProcess = "process"
)

// sampleVars stand in for placeholders while validating catalog entries.
var sampleVars = map[string]string{VarService: "Spooler", VarDrive: "C", VarProcess: "explorer.exe"}

type catalogFile struct {
	Playbooks []domain.Playbook `yaml:"playbooks"`
}

// Catalog is the local set of remediation playbooks.
type Catalog struct {
	playbooks map[string]domain.Playbook
	order     []string
	bySig     map[string][]string
}

// LoadCatalog reads catalog YAML file.
// Params: file path (empty selects the built-in catalog) and step validator.
// Returns: validated catalog or read/parse/validation error.
func LoadCatalog(path string, steps *trust.StepValidator) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCatalog(defaultCatalog, steps)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("playbook catalog not found: %s", path)
		}
		return nil, fmt.Errorf("read playbook catalog: %w", err)
	}
	return ParseCatalog(data, steps)
}

// ParseCatalog decodes and validates catalog YAML.
// Params: YAML body and step validator.
// Returns: catalog or first invalid playbook error.
func ParseCatalog(data []byte, steps *trust.StepValidator) (*Catalog, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var file catalogFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse playbook catalog: %w", err)
	}
	if len(file.Playbooks) == 0 {
		return nil, errors.New("playbook catalog is empty")
	}

	catalog := &Catalog{
		playbooks: make(map[string]domain.Playbook, len(file.Playbooks)),
		bySig:     make(map[string][]string),
	}
	for i, pb := range file.Playbooks {
		if err := Validate(pb, steps); err != nil {
			return nil, fmt.Errorf("playbook %d (%s): %w", i, pb.ID, err)
		}
		if _, dup := catalog.playbooks[pb.ID]; dup {
			return nil, fmt.Errorf("playbook %s: duplicate id", pb.ID)
		}
		if len(pb.Signatures) == 0 {
			return nil, fmt.Errorf("playbook %s: missing signatures", pb.ID)
		}
		catalog.playbooks[pb.ID] = pb
		catalog.order = append(catalog.order, pb.ID)
		for _, sig := range pb.Signatures {
			catalog.bySig[sig] = append(catalog.bySig[sig], pb.ID)
		}
	}
	return catalog, nil
}

// Validate checks playbook structure and every step with placeholders filled.
// Params: playbook and step validator (nil skips step screening).
// Returns: struct or step validation error.
func Validate(pb domain.Playbook, steps *trust.StepValidator) error {
	if err := structValidate.Struct(pb); err != nil {
		return fmt.Errorf("invalid playbook: %w", err)
	}
	if steps == nil {
		return nil
	}
	return steps.ValidatePlaybook(Render(pb, sampleVars))
}

// Lookup returns playbook IDs for exact signature first, then its family.
// Params: signature such as SERVICE_STOPPED_Spooler.
// Returns: ordered unique playbook IDs.
func (c *Catalog) Lookup(signatureID string) []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, key := range []string{signatureID, domain.SignatureFamily(signatureID)} {
		for _, id := range c.bySig[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Get returns playbook by ID.
func (c *Catalog) Get(id string) (domain.Playbook, bool) {
	pb, ok := c.playbooks[id]
	return pb, ok
}

// List returns playbooks in catalog order.
func (c *Catalog) List() []domain.Playbook {
	out := make([]domain.Playbook, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.playbooks[id])
	}
	return out
}

// Signatures returns all signature keys known to the catalog.
func (c *Catalog) Signatures() []string {
	out := make([]string, 0, len(c.bySig))
	for sig := range c.bySig {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

// Render substitutes %name% placeholders in targets, commands and params.
// Params: playbook and variable values.
// Returns: playbook copy with placeholders replaced.
func Render(pb domain.Playbook, vars map[string]string) domain.Playbook {
	pairs := make([]string, 0, len(vars)*2)
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pairs = append(pairs, "%"+key+"%", vars[key])
	}
	replacer := strings.NewReplacer(pairs...)

	out := pb
	out.Steps = make([]domain.Step, len(pb.Steps))
	for i, step := range pb.Steps {
		rendered := step
		rendered.Name = replacer.Replace(step.Name)
		rendered.Target = replacer.Replace(step.Target)
		rendered.Command = replacer.Replace(step.Command)
		if step.Params != nil {
			rendered.Params = make(map[string]string, len(step.Params))
			for key, value := range step.Params {
				rendered.Params[key] = replacer.Replace(value)
			}
		}
		out.Steps[i] = rendered
	}
	return out
}

// VarsFor derives placeholder values from a verdict.
// Params: Tier1 verdict.
// Returns: service/drive/process variables.
func VarsFor(result domain.Tier1Result) map[string]string {
	vars := make(map[string]string, 3)
	name := domain.ResourceName(result.ResourceID)
	switch domain.ResourceType(result.ResourceID) {
	case "service":
		vars[VarService] = name
	case "disk":
		vars[VarDrive] = name
	case "process":
		vars[VarProcess] = name
	}
	if result.ServiceName != "" {
		vars[VarService] = result.ServiceName
	}
	return vars
}
