// Package wire defines the five JSON request/response messages the agent
// exchanges with the dispatcher (register, heartbeat, claim, complete,
// fail) and validates them with struct tags. It is transport-agnostic —
// the dispatcher client marshals these types onto HTTP; a test fake
// dispatcher can decode the same types directly.
package wire

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validatorV   *validator.Validate

	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Validator returns the process-wide validator instance, built once.
// Registered once alongside the built-in tags: "semver", used by
// Settings.BotVersion (spec.md §4.1) and RegisterRequest.Version since
// the validator package ships no generic regex tag.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validatorV = validator.New()
		validatorV.RegisterValidation("semver", validateSemver)
	})
	return validatorV
}

func validateSemver(fl validator.FieldLevel) bool {
	return semverPattern.MatchString(fl.Field().String())
}

// Validate runs struct-tag validation and wraps any failure in a
// descriptive error naming the struct.
func Validate(name string, v any) error {
	if err := Validator().Struct(v); err != nil {
		return fmt.Errorf("wire: %s: %w", name, err)
	}
	return nil
}

// Resources describes the host resources reported at registration.
type Resources struct {
	CPUCores int `json:"cpu_cores" validate:"gte=1"`
	MemMB    int `json:"mem_mb" validate:"gte=128"`
}

// RegisterRequest is POSTed to /bots/register.
type RegisterRequest struct {
	BotKey       string         `json:"bot_key" validate:"required,len=64,hexadecimal"`
	InstanceID   string         `json:"instance_id" validate:"required,uuid4"`
	Version      string         `json:"version" validate:"required,semver"`
	Capabilities []string       `json:"capabilities" validate:"required,min=1"`
	Resources    Resources      `json:"resources" validate:"required"`
	Constraints  map[string]any `json:"constraints"`
	Meta         map[string]any `json:"meta"`
}

// Auth carries the bearer token returned by Register.
type Auth struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Assignment is what the server has told this agent to do.
type Assignment struct {
	Operations     []string `json:"operations"`
	MaxConcurrency int      `json:"max_concurrency"`
	Paused         bool     `json:"paused,omitempty"`
}

// RegisterResponse is returned on a successful Register call.
type RegisterResponse struct {
	BotID      string         `json:"bot_id"`
	Auth       Auth           `json:"auth"`
	Assignment Assignment     `json:"assignment"`
	Config     map[string]any `json:"config,omitempty"`
}

// RunningJob summarizes an in-flight job for the Heartbeat request.
type RunningJob struct {
	JobID      string `json:"job_id"`
	Op         string `json:"op"`
	ElapsedMS  int64  `json:"elapsed_ms" validate:"gte=0"`
	LeaseUntil string `json:"lease_until,omitempty"`
}

// HeartbeatMetrics carries coarse resource utilization.
type HeartbeatMetrics struct {
	CPU   float64 `json:"cpu" validate:"gte=0,lte=1"`
	MemMB int64   `json:"mem_mb" validate:"gte=0"`
}

// HeartbeatRequest is PUT to /bots/{bot_id}/heartbeat.
type HeartbeatRequest struct {
	InstanceID string           `json:"instance_id" validate:"required"`
	Running    []RunningJob     `json:"running"`
	Metrics    HeartbeatMetrics `json:"metrics"`
}

// HeartbeatResponse is returned by Heartbeat. Callers must tolerate
// missing fields — the server may omit Assignment entirely.
type HeartbeatResponse struct {
	LeaseExtendedTo string      `json:"lease_extended_to,omitempty"`
	Assignment      *Assignment `json:"assignment,omitempty"`
}

// ClaimRequest is POSTed to /jobs/claim.
type ClaimRequest struct {
	BotID      string   `json:"bot_id" validate:"required"`
	Operations []string `json:"operations" validate:"required,min=1"`
	Limit      int      `json:"limit" validate:"gte=1,lte=100"`
}

// RawJob is one element of a ClaimResponse's jobs array, exactly as
// received from the dispatcher — not yet validated as a Job.
type RawJob struct {
	ID         string         `json:"id"`
	Op         string         `json:"op"`
	Payload    map[string]any `json:"payload"`
	LeaseUntil string         `json:"lease_until,omitempty"`
}

// ClaimResponse is returned by Claim. A missing or empty Jobs means
// "no work now".
type ClaimResponse struct {
	Jobs []RawJob `json:"jobs"`
}

// CompleteRequest is POSTed to /jobs/{job_id}/complete.
type CompleteRequest struct {
	InstanceID string         `json:"instance_id" validate:"required"`
	Result     map[string]any `json:"result"`
}

// FailRequest is POSTed to /jobs/{job_id}/fail.
type FailRequest struct {
	InstanceID   string `json:"instance_id" validate:"required"`
	Error        string `json:"error" validate:"required"`
	RetryAfterMS *int64 `json:"retry_after_ms,omitempty"`
}
