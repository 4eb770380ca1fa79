package types

import (
	"time"
)

// Platform identifies the mobile target a build is produced for
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform normalizes user input into a Platform
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "ios", "iOS", "IOS":
		return PlatformIOS, nil
	case "android", "Android", "ANDROID":
		return PlatformAndroid, nil
	default:
		return "", Validationf("unknown platform %q", s)
	}
}

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusAssigned  BuildStatus = "assigned"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status admits no forward transitions.
// Retry never re-opens a terminal build; it creates a new one.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// Build is a single submitted build job. The controller owns the record
// exclusively: created at submission, mutated only by assignment, the
// outcome path, and the staleness sweep. Never deleted.
type Build struct {
	ID       string      `gorm:"primaryKey" json:"id"`
	Platform Platform    `gorm:"not null" json:"platform"`
	Status   BuildStatus `gorm:"index:idx_builds_status_submitted,priority:1;not null" json:"status"`

	// WorkerID is empty while the build is pending or cancelled.
	WorkerID string `gorm:"index" json:"workerId,omitempty"`

	SubmittedAt time.Time  `gorm:"index:idx_builds_status_submitted,priority:2;not null" json:"submittedAt"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Relative paths into the artifact storage root.
	SourcePath      string `json:"-"`
	CredentialsPath string `json:"-"`
	ResultPath      string `json:"-"`

	Failure string `json:"failure,omitempty"`

	// AccessToken is the per-build token handed to the submitter.
	AccessToken string `gorm:"index" json:"-"`
}

// WorkerStatus represents the lifecycle state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBuilding WorkerStatus = "building"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// Capabilities describes what a worker can build
type Capabilities struct {
	Platforms  []Platform        `json:"platforms"`
	Toolchains map[string]string `json:"toolchains,omitempty"`
}

// Supports reports whether the capability set covers the platform.
func (c Capabilities) Supports(p Platform) bool {
	for _, have := range c.Platforms {
		if have == p {
			return true
		}
	}
	return false
}

// Worker is a registered build worker. Liveness is tracked through the
// rotating session token: an expired token means the worker must re-register.
type Worker struct {
	ID           string       `gorm:"primaryKey" json:"id"`
	Name         string       `gorm:"not null" json:"name"`
	Capabilities Capabilities `gorm:"serializer:json" json:"capabilities"`
	Status       WorkerStatus `gorm:"index;not null" json:"status"`

	SessionToken     string    `gorm:"index" json:"-"`
	PrevSessionToken string    `gorm:"index" json:"-"`
	SessionExpiresAt time.Time `json:"-"`
	LastSeenAt       time.Time `json:"lastSeenAt"`

	CompletedBuilds int `json:"completedBuilds"`
	FailedBuilds    int `json:"failedBuilds"`

	CreatedAt  time.Time  `json:"createdAt"`
	ShutdownAt *time.Time `json:"shutdownAt,omitempty"`
}

// LogSeverity is the severity of a build log entry
type LogSeverity string

const (
	LogSeverityInfo  LogSeverity = "info"
	LogSeverityWarn  LogSeverity = "warn"
	LogSeverityError LogSeverity = "error"
)

// BuildLogEntry is an append-only log line attached to a build.
// Entries are totally ordered per build by insertion.
type BuildLogEntry struct {
	ID         uint        `gorm:"primaryKey;autoIncrement" json:"-"`
	BuildID    string      `gorm:"index:idx_build_logs_build,priority:1;not null" json:"buildId"`
	InsertedAt time.Time   `gorm:"index:idx_build_logs_build,priority:2;not null" json:"insertedAt"`
	Severity   LogSeverity `gorm:"not null" json:"severity"`
	Message    string      `gorm:"not null" json:"message"`
}

// TokenClass tags the tokens table. Admin keys live in configuration, build
// tokens on the build row, session tokens on the worker row; only the
// bootstrap OTP and guest classes need their own records.
type TokenClass string

const (
	TokenClassBootstrapOTP TokenClass = "otp"
	TokenClassGuest        TokenClass = "guest"
)

// Token is a bootstrap OTP or guest token record
type Token struct {
	ID        uint       `gorm:"primaryKey;autoIncrement"`
	Class     TokenClass `gorm:"index;not null"`
	Secret    string     `gorm:"uniqueIndex;not null"`
	BuildID   string     `gorm:"index"`
	WorkerID  string
	ExpiresAt time.Time `gorm:"not null"`
	Consumed  bool
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Assignment is the result of a successful claim by a polling worker
type Assignment struct {
	BuildID      string   `json:"buildId"`
	Platform     Platform `json:"platform"`
	SourceHandle string   `json:"sourceHandle"`
	BootstrapOTP string   `json:"bootstrapOTP"`
}

// Now returns the current UTC time truncated to second precision, the
// resolution every persisted timestamp uses.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
