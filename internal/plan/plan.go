// Package plan reads campaign run plans from YAML or JSON files.
package plan

import (
	"io"
	"os"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Plan is the on-disk form of a run.
//
//	campaign: spring-launch
//	template: tpl-launch
//	owner: user-42
//	metadata:
//	  channel: instagram
//	jobs:
//	  - name: generate-images
//	    queue: images
//	  - name: post-social
//	    queue: social
//	    after: 30m
type Plan struct {
	Campaign string                 `yaml:"campaign"`
	Template string                 `yaml:"template"`
	Owner    string                 `yaml:"owner"`
	Metadata map[string]interface{} `yaml:"metadata"`
	Jobs     []Job                  `yaml:"jobs"`
}

// Job schedules one unit of work. At and After are mutually exclusive; After
// is relative to the moment the plan is turned into a run.
type Job struct {
	Name  string     `yaml:"name"`
	Queue string     `yaml:"queue"`
	At    *time.Time `yaml:"at"`
	After string     `yaml:"after"`
}

// LoadFile reads a plan from path. "-" reads standard input.
func LoadFile(path string) (Plan, error) {
	if path == "-" {
		return Load(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return Plan{}, errors.Wrapf(err, "failed to open plan %s", path)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a plan. JSON is accepted since it is valid YAML.
func Load(r io.Reader) (Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if err == io.EOF {
			return Plan{}, errors.New("plan is empty")
		}
		return Plan{}, errors.Wrap(err, "failed to decode plan")
	}
	return p, nil
}

// RunSpec converts the plan into a run request, resolving relative delays
// against now.
func (p Plan) RunSpec(now time.Time) (service.RunSpec, error) {
	spec := service.RunSpec{
		CampaignRef: p.Campaign,
		OwnerRef:    p.Owner,
		Jobs:        make([]service.JobSpec, 0, len(p.Jobs)),
	}
	if p.Template != "" {
		tpl := p.Template
		spec.TemplateID = &tpl
	}
	if len(p.Metadata) > 0 {
		spec.Metadata = models.JSONMap(p.Metadata)
	}
	for i, j := range p.Jobs {
		js := service.JobSpec{JobName: j.Name, QueueName: j.Queue}
		switch {
		case j.At != nil && j.After != "":
			return service.RunSpec{}, errors.Errorf("job %d (%s): at and after are mutually exclusive", i, j.Name)
		case j.At != nil:
			at := j.At.UTC()
			js.ScheduledFor = &at
		case j.After != "":
			d, err := time.ParseDuration(j.After)
			if err != nil {
				return service.RunSpec{}, errors.Wrapf(err, "job %d (%s): invalid after", i, j.Name)
			}
			if d < 0 {
				return service.RunSpec{}, errors.Errorf("job %d (%s): after must not be negative", i, j.Name)
			}
			at := now.Add(d).UTC()
			js.ScheduledFor = &at
		}
		spec.Jobs = append(spec.Jobs, js)
	}
	return spec, nil
}
