package job

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/deixis/pyrun/internal/runner"
)

// BatchFile is the YAML description of a batch of runs:
//
//	parallel: 4
//	runs:
//	  - script: scrap.py
//	    args: [syosetu, n2596la]
//	    timeout: 10m
type BatchFile struct {
	Parallel int        `yaml:"parallel" validate:"gte=0"`
	Runs     []BatchRun `yaml:"runs" validate:"required,min=1,dive"`
}

// BatchRun is one entry of a BatchFile.
type BatchRun struct {
	Script     string   `yaml:"script" validate:"required"`
	Args       []string `yaml:"args"`
	Dir        string   `yaml:"dir"` // relative to the configured workdir
	RawTimeout string   `yaml:"timeout" validate:"omitempty,duration"`
}

func init() {
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
}

// LoadBatch parses and validates a batch file.
func LoadBatch(r io.Reader) (*BatchFile, error) {
	var f BatchFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty batch file", ErrInvalidParams)
		}
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return &f, nil
}

// Requests converts the runs into runner requests.
func (f *BatchFile) Requests() []runner.Request {
	reqs := make([]runner.Request, len(f.Runs))
	for i, run := range f.Runs {
		var timeout time.Duration
		if run.RawTimeout != "" {
			timeout, _ = time.ParseDuration(run.RawTimeout) // validated by LoadBatch
		}
		reqs[i] = runner.Request{
			Script:  run.Script,
			Args:    run.Args,
			Dir:     run.Dir,
			Timeout: timeout,
		}
	}
	return reqs
}
