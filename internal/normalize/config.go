package normalize

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sourceplane/podci/internal/loader"
	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/schema"
)

// TemplateLookup answers whether a container value names a known template
type TemplateLookup interface {
	Has(name string) bool
}

// NormalizeConfig validates a parsed config document and transforms it into
// the typed job graph. Every violated field is reported in one
// *ValidationError rather than stopping at the first.
func NormalizeConfig(doc loader.Document, sv *schema.Validator, templates TemplateLookup) (*model.Config, error) {
	if doc == nil {
		return nil, fmt.Errorf("config document cannot be nil")
	}

	errs := &ValidationError{}

	if sv != nil {
		violations, err := sv.ValidateConfig(map[string]interface{}(doc))
		if err != nil {
			return nil, err
		}
		for _, v := range violations {
			errs.add(v.Path, nil, "%s", v.Message)
		}
	}

	cfg := &model.Config{
		Profiles: make(map[string]model.Profile),
		Jobs:     make(map[string]model.Job),
	}

	if v, ok := doc["version"].(float64); ok {
		if v != float64(model.SupportedConfigVersion) {
			errs.add("version", nil, "unsupported config version %v (expected %d)", v, model.SupportedConfigVersion)
		}
		cfg.Version = int(v)
	}

	if p, ok := doc["project"].(string); ok {
		if strings.TrimSpace(p) == "" {
			errs.add("project", nil, "project must be non-empty")
		}
		cfg.Project = p
	}

	if profiles, ok := doc["profiles"].(map[string]interface{}); ok {
		if len(profiles) == 0 {
			errs.add("profiles", nil, "profiles must be non-empty")
		}
		for _, name := range sortedKeys(profiles) {
			raw, ok := profiles[name].(map[string]interface{})
			if !ok {
				continue
			}
			cfg.Profiles[name] = normalizeProfile(name, raw, templates, errs)
		}
	}

	if jobs, ok := doc["jobs"].(map[string]interface{}); ok {
		if len(jobs) == 0 {
			errs.add("jobs", nil, "jobs must be non-empty")
		}
		declared := profileNames(doc)
		for _, name := range sortedKeys(jobs) {
			raw, ok := jobs[name].(map[string]interface{})
			if !ok {
				continue
			}
			job := normalizeJob(name, raw, errs)
			if _, exists := declared[job.Profile]; job.Profile != "" && !exists {
				errs.add(fieldPath("jobs", name, "profile"), nil, "job %q references missing profile %q", name, job.Profile)
			}
			cfg.Jobs[name] = job
		}
	}

	if errs.HasErrors() {
		errs.sort()
		return nil, errs
	}
	return cfg, nil
}

func normalizeProfile(name string, raw map[string]interface{}, templates TemplateLookup, errs *ValidationError) model.Profile {
	profile := model.Profile{Name: name, Env: stringMap(raw["env"])}

	container, ok := raw["container"].(string)
	if !ok {
		return profile
	}

	var isTemplate func(string) bool
	if templates != nil {
		isTemplate = templates.Has
	}
	ref, err := model.ResolveContainerRef(container, isTemplate)
	if err != nil {
		errs.add(fieldPath("profiles", name, "container"), err, "%v", err)
		return profile
	}
	profile.Container = ref
	return profile
}

func normalizeJob(name string, raw map[string]interface{}, errs *ValidationError) model.Job {
	job := model.Job{
		Name:  name,
		Steps: make(map[string]model.Step),
	}
	job.Profile, _ = raw["profile"].(string)
	if p, ok := raw["profile"].(string); ok && strings.TrimSpace(p) == "" {
		errs.add(fieldPath("jobs", name, "profile"), nil, "profile must be non-empty")
	}

	steps, _ := raw["steps"].(map[string]interface{})
	for _, stepName := range sortedKeys(steps) {
		rawStep, ok := steps[stepName].(map[string]interface{})
		if !ok {
			continue
		}
		job.Steps[stepName] = normalizeStep(name, stepName, rawStep, errs)
	}

	order, orderOK := raw["step_order"].([]interface{})
	if !orderOK {
		return job
	}

	orderPath := fieldPath("jobs", name, "step_order")
	seen := make(map[string]bool, len(order))
	for i, item := range order {
		s, ok := item.(string)
		if !ok {
			continue
		}
		job.StepOrder = append(job.StepOrder, s)
		if seen[s] {
			errs.add(fmt.Sprintf("%s[%d]", orderPath, i), nil, "step_order contains duplicate step %q", s)
			continue
		}
		seen[s] = true
		if _, exists := steps[s]; !exists {
			errs.add(fmt.Sprintf("%s[%d]", orderPath, i), nil, "step_order references missing step %q", s)
		}
	}

	// Steps outside step_order would silently never run
	for _, stepName := range sortedKeys(steps) {
		if !seen[stepName] {
			errs.add(fieldPath("jobs", name, "steps", stepName), nil, "step %q is not listed in step_order", stepName)
		}
	}

	return job
}

func normalizeStep(jobName, stepName string, raw map[string]interface{}, errs *ValidationError) model.Step {
	step := model.Step{Name: stepName, Env: stringMap(raw["env"])}

	if run, ok := raw["run"].([]interface{}); ok {
		if len(run) == 0 {
			errs.add(fieldPath("jobs", jobName, "steps", stepName, "run"), nil, "run argv must be non-empty")
		}
		for _, a := range run {
			if s, ok := a.(string); ok {
				step.Argv = append(step.Argv, s)
			}
		}
	}

	if wd, ok := raw["workdir"].(string); ok {
		cleaned, err := CleanWorkdir(wd)
		if err != nil {
			errs.add(fieldPath("jobs", jobName, "steps", stepName, "workdir"), err, "%v", err)
		}
		step.Workdir = cleaned
	}

	return step
}

// CleanWorkdir checks the syntactic workdir rules: relative, and no parent
// traversal segment. "." and "" both mean the repository root.
func CleanWorkdir(wd string) (string, error) {
	if wd == "" {
		return "", nil
	}
	if strings.HasPrefix(wd, "/") || strings.HasPrefix(wd, `\`) || (len(wd) > 1 && wd[1] == ':') {
		return "", fmt.Errorf("workdir must be relative (got absolute %q)", wd)
	}
	for _, seg := range strings.FieldsFunc(wd, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("workdir must not contain '..' (got %q)", wd)
		}
	}
	cleaned := path.Clean(strings.ReplaceAll(wd, `\`, "/"))
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func profileNames(doc loader.Document) map[string]struct{} {
	out := make(map[string]struct{})
	if profiles, ok := doc["profiles"].(map[string]interface{}); ok {
		for k := range profiles {
			out[k] = struct{}{}
		}
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	out := make(map[string]string)
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
