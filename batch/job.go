// SPDX-License-Identifier: MIT

package batch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/achimnol/mrcl/kvstore"
)

// Sentinel errors.
var (
	// ErrInvalidJob is returned by Submit for a malformed job description.
	ErrInvalidJob = errors.New("batch: invalid job")

	// ErrUnknownTransform is returned when a job names an unregistered transform.
	ErrUnknownTransform = errors.New("batch: unknown transform")

	// ErrUnknownCombine is returned when a job names an unregistered combine.
	ErrUnknownCombine = errors.New("batch: unknown combine")

	// ErrUnsupportedOutput is returned when a task writes to an output kind
	// the job did not configure (Put without a table, Emit without a file).
	ErrUnsupportedOutput = errors.New("batch: output not configured for this write")

	// ErrJobFailed wraps the first task error of a failed job.
	ErrJobFailed = errors.New("batch: job failed")

	// ErrMissingConfig is returned by Config getters for absent keys.
	ErrMissingConfig = errors.New("batch: missing config key")
)

// Config is the job-scoped key/value configuration handed to every task.
type Config map[string]string

// Set stores a string value and returns c for chaining.
func (c Config) Set(key, value string) Config {
	c[key] = value

	return c
}

// SetInt stores an integer value.
func (c Config) SetInt(key string, v int) Config {
	return c.Set(key, strconv.Itoa(v))
}

// SetFloat stores a float64 value in its shortest exact form.
func (c Config) SetFloat(key string, v float64) Config {
	return c.Set(key, strconv.FormatFloat(v, 'g', -1, 64))
}

// SetStrings stores a comma-separated list.
func (c Config) SetStrings(key string, vs []string) Config {
	return c.Set(key, strings.Join(vs, ","))
}

// SetFloats stores a comma-separated list of floats.
func (c Config) SetFloats(key string, vs []float64) Config {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}

	return c.Set(key, strings.Join(parts, ","))
}

// String returns the raw value or ErrMissingConfig.
func (c Config) String(key string) (string, error) {
	v, ok := c[key]
	if !ok {
		return "", fmt.Errorf("batch: config %q: %w", key, ErrMissingConfig)
	}

	return v, nil
}

// Int parses an integer value.
func (c Config) Int(key string) (int, error) {
	s, err := c.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("batch: config %q: %w", key, err)
	}

	return v, nil
}

// Float parses a float64 value.
func (c Config) Float(key string) (float64, error) {
	s, err := c.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("batch: config %q: %w", key, err)
	}

	return v, nil
}

// Strings splits a comma-separated value; an empty value is an empty list.
func (c Config) Strings(key string) ([]string, error) {
	s, err := c.String(key)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}

	return strings.Split(s, ","), nil
}

// Floats parses a comma-separated list of floats.
func (c Config) Floats(key string) ([]float64, error) {
	parts, err := c.Strings(key)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		if out[i], err = strconv.ParseFloat(p, 64); err != nil {
			return nil, fmt.Errorf("batch: config %q[%d]: %w", key, i, err)
		}
	}

	return out, nil
}

// Input selects the rows a job maps over.
type Input struct {
	Table string
	Scan  kvstore.Scan
}

// Output selects where combine writes go. At most one of Table and SeqFile
// may be set; with neither the job output is discarded (side-effect jobs).
type Output struct {
	Table   string
	SeqFile string
}

// Job describes one batch pass.
type Job struct {
	Name      string
	Input     Input
	Transform string
	Combine   string // empty: map-only, emitted pairs go straight to Output
	Output    Output
	Config    Config
	Splits    int // map task count; <= 0 uses the engine default
}

func (j *Job) validate() error {
	switch {
	case j == nil:
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	case j.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidJob)
	case j.Input.Table == "":
		return fmt.Errorf("%w: %s: empty input table", ErrInvalidJob, j.Name)
	case j.Transform == "":
		return fmt.Errorf("%w: %s: empty transform", ErrInvalidJob, j.Name)
	case j.Output.Table != "" && j.Output.SeqFile != "":
		return fmt.Errorf("%w: %s: both table and sequence file output", ErrInvalidJob, j.Name)
	}

	return nil
}

// Status is the lifecycle state of a submitted job.
type Status int

const (
	Pending Status = iota
	Running
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether the job has finished, successfully or not.
func (s Status) Terminal() bool { return s == Succeeded || s == Failed }
