package worker

import (
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/SirClappington/tenantq/internal/domain"
)

// Option keys accepted by FromOptions.
const (
	KeyName          = "name"
	KeyBackoff       = "backoff"
	KeyMemory        = "memory"
	KeyTimeout       = "timeout"
	KeySleep         = "sleep"
	KeyMaxTries      = "maxTries"
	KeyForce         = "force"
	KeyStopWhenEmpty = "stopWhenEmpty"
	KeyMaxJobs       = "maxJobs"
	KeyMaxTime       = "maxTime"
	KeyRest          = "rest"
)

// values is the closed set of worker settings. Durations are whole seconds
// and memory is in megabytes, as they appear in option maps.
type values struct {
	Name          string `mapstructure:"name" validate:"required"`
	Backoff       int    `mapstructure:"backoff" validate:"min=0"`
	Memory        int    `mapstructure:"memory" validate:"min=0"`
	Timeout       int    `mapstructure:"timeout" validate:"min=0"`
	Sleep         int    `mapstructure:"sleep" validate:"min=0"`
	MaxTries      int    `mapstructure:"maxTries" validate:"min=0"`
	Force         bool   `mapstructure:"force"`
	StopWhenEmpty bool   `mapstructure:"stopWhenEmpty"`
	MaxJobs       int    `mapstructure:"maxJobs" validate:"min=0"`
	MaxTime       int    `mapstructure:"maxTime" validate:"min=0"`
	Rest          int    `mapstructure:"rest" validate:"min=0"`
}

func defaults() values {
	return values{
		Name:     domain.DefaultQueue,
		Memory:   128,
		Timeout:  30,
		Sleep:    3,
		MaxTries: 3,
	}
}

var knownKeys = []string{
	KeyName, KeyBackoff, KeyMemory, KeyTimeout, KeySleep, KeyMaxTries,
	KeyForce, KeyStopWhenEmpty, KeyMaxJobs, KeyMaxTime, KeyRest,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
	})
	return v
}

// WorkerOptions configures a long-running worker. The zero value is not
// useful; build one with FromOptions or Defaults.
type WorkerOptions struct {
	v values
}

// Defaults returns the options FromOptions produces for an empty map.
func Defaults() WorkerOptions { return WorkerOptions{v: defaults()} }

// FromOptions builds WorkerOptions from an option map. Every key must be one
// of the Key constants; unknown keys, values of the wrong type and negative
// numbers fail with *domain.ConfigurationError. Keys missing from opts keep
// their defaults.
func FromOptions(opts map[string]any) (WorkerOptions, error) {
	v := defaults()
	for _, key := range slices.Sorted(maps.Keys(opts)) {
		if !slices.Contains(knownKeys, key) {
			return WorkerOptions{}, &domain.ConfigurationError{Key: key, Reason: "unknown option"}
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &v,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return WorkerOptions{}, err
		}
		if err := dec.Decode(map[string]any{key: opts[key]}); err != nil {
			return WorkerOptions{}, &domain.ConfigurationError{Key: key, Reason: err.Error()}
		}
	}

	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return WorkerOptions{}, &domain.ConfigurationError{
				Key:    fe.Field(),
				Reason: fmt.Sprintf("failed %q check", fe.Tag()),
			}
		}
		return WorkerOptions{}, err
	}
	return WorkerOptions{v: v}, nil
}

// LoadOptionsFile reads a TOML file of option keys and passes it to
// FromOptions.
func LoadOptionsFile(path string) (WorkerOptions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WorkerOptions{}, fmt.Errorf("tenantq/worker: read options: %w", err)
	}
	opts := map[string]any{}
	if err := toml.Unmarshal(raw, &opts); err != nil {
		return WorkerOptions{}, fmt.Errorf("tenantq/worker: parse %s: %w", path, err)
	}
	return FromOptions(opts)
}

// ToMap returns every option with its effective value, keyed as FromOptions
// expects them.
func (o WorkerOptions) ToMap() map[string]any {
	return map[string]any{
		KeyName:          o.v.Name,
		KeyBackoff:       o.v.Backoff,
		KeyMemory:        o.v.Memory,
		KeyTimeout:       o.v.Timeout,
		KeySleep:         o.v.Sleep,
		KeyMaxTries:      o.v.MaxTries,
		KeyForce:         o.v.Force,
		KeyStopWhenEmpty: o.v.StopWhenEmpty,
		KeyMaxJobs:       o.v.MaxJobs,
		KeyMaxTime:       o.v.MaxTime,
		KeyRest:          o.v.Rest,
	}
}

// Name is the queue the worker consumes.
func (o WorkerOptions) Name() string { return o.v.Name }

// Backoff is the delay before a failed job is retried.
func (o WorkerOptions) Backoff() time.Duration { return seconds(o.v.Backoff) }

// Memory is the memory limit in megabytes after which the worker exits.
func (o WorkerOptions) Memory() int { return o.v.Memory }

// Timeout bounds a single job. Zero disables it.
func (o WorkerOptions) Timeout() time.Duration { return seconds(o.v.Timeout) }

// Sleep is how long the worker waits after finding the queue empty.
func (o WorkerOptions) Sleep() time.Duration { return seconds(o.v.Sleep) }

// MaxTries is how many attempts a job gets before it is buried. Zero means
// unlimited.
func (o WorkerOptions) MaxTries() int { return o.v.MaxTries }

// Force runs jobs even while the application is in maintenance mode.
func (o WorkerOptions) Force() bool { return o.v.Force }

func (o WorkerOptions) StopWhenEmpty() bool { return o.v.StopWhenEmpty }

// MaxJobs stops the worker after that many jobs. Zero means unbounded.
func (o WorkerOptions) MaxJobs() int { return o.v.MaxJobs }

// MaxTime stops the worker after it has run that long. Zero means unbounded.
func (o WorkerOptions) MaxTime() time.Duration { return seconds(o.v.MaxTime) }

// Rest is the pause after each processed job.
func (o WorkerOptions) Rest() time.Duration { return seconds(o.v.Rest) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
