// Package linkcheck defines the core link-health types shared across subsystems.
package linkcheck

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidURL           = errors.New("invalid url")
	ErrUnknownContainerType = errors.New("unknown container type")
	ErrNoParser             = errors.New("no parser for field format")
)

// Status is the classification of a link's latest check.
type Status string

// Status values. Every check result maps to exactly one of ok, broken,
// warning or timeout; unchecked only describes links that were never checked.
const (
	StatusOK        Status = "ok"
	StatusBroken    Status = "broken"
	StatusWarning   Status = "warning"
	StatusTimeout   Status = "timeout"
	StatusUnchecked Status = "unchecked"
)

// ContainerRef identifies one content item that may contain links.
type ContainerRef struct {
	Type string `json:"container_type"`
	ID   int64  `json:"container_id"`
}

func (r ContainerRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// SynchRecord tracks whether a container was parsed since its last edit.
type SynchRecord struct {
	Container ContainerRef `json:"container"`
	Synched   bool         `json:"synched"`
	LastSynch time.Time    `json:"last_synch"`
}

// ContentItem is a content-store row as seen by the synch tracker.
type ContentItem struct {
	Ref      ContainerRef
	Status   string
	Modified time.Time
}

// Link is a unique checked URL and its latest health status.
type Link struct {
	ID               int64         `json:"id"`
	URL              string        `json:"url"`
	FinalURL         string        `json:"final_url"`
	HTTPCode         int           `json:"http_code"`
	Broken           bool          `json:"broken"`
	Warning          bool          `json:"warning"`
	Timeout          bool          `json:"timeout"`
	RedirectCount    int           `json:"redirect_count"`
	RequestDuration  time.Duration `json:"request_duration"`
	CheckCount       int           `json:"check_count"`
	FirstFailure     time.Time     `json:"first_failure"`
	LastCheck        time.Time     `json:"last_check"`
	LastCheckAttempt time.Time     `json:"last_check_attempt"`
	MayRecheck       bool          `json:"may_recheck"`
	BeingChecked     bool          `json:"being_checked"`
	Dismissed        bool          `json:"dismissed"`
	FalsePositive    bool          `json:"false_positive"`
	ResultHash       string        `json:"result_hash"`
	StatusText       string        `json:"status_text"`
	Log              string        `json:"log"`
}

// Status classifies the link from its stored flags.
func (l Link) Status() Status {
	switch {
	case l.CheckCount == 0 && l.LastCheck.IsZero():
		return StatusUnchecked
	case l.Timeout:
		return StatusTimeout
	case l.Broken:
		return StatusBroken
	case l.Warning:
		return StatusWarning
	default:
		return StatusOK
	}
}

// IsRedirect reports whether the last check followed at least one redirect.
func (l Link) IsRedirect() bool {
	return l.RedirectCount > 0 && l.FinalURL != "" && l.FinalURL != l.URL
}

// Instance is one occurrence of a URL inside one container field.
type Instance struct {
	ID         int64        `json:"id"`
	LinkID     int64        `json:"link_id"`
	URL        string       `json:"url"`
	Container  ContainerRef `json:"container"`
	Field      string       `json:"container_field"`
	ParserType string       `json:"parser_type"`
	LinkText   string       `json:"link_text"`
	Context    string       `json:"link_context"`
	RawURL     string       `json:"raw_url"`
}

// CheckResult is the outcome of checking one URL.
type CheckResult struct {
	URL             string        `json:"url"`
	FinalURL        string        `json:"final_url"`
	HTTPCode        int           `json:"http_code"`
	Broken          bool          `json:"broken"`
	Warning         bool          `json:"warning"`
	Timeout         bool          `json:"timeout"`
	RedirectCount   int           `json:"redirect_count"`
	RequestDuration time.Duration `json:"request_duration"`
	MayRecheck      bool          `json:"may_recheck"`
	StatusText      string        `json:"status_text"`
	ErrorCode       string        `json:"error_code,omitempty"`
	ResultHash      string        `json:"result_hash"`
	Log             string        `json:"log"`
}

// Status returns exactly one of ok, broken, warning or timeout.
func (r CheckResult) Status() Status {
	switch {
	case r.Timeout:
		return StatusTimeout
	case r.Broken:
		return StatusBroken
	case r.Warning:
		return StatusWarning
	default:
		return StatusOK
	}
}

// DueQuery selects links that should be checked now.
type DueQuery struct {
	Now              time.Time
	CheckThreshold   time.Duration
	RecheckThreshold time.Duration
	RecheckCeiling   int
	ContainerTypes   []string
	ParserTypes      []string
	Limit            int
}

// Filter names accepted by LinkFilter.
const (
	FilterAll       = "all"
	FilterBroken    = "broken"
	FilterWarning   = "warning"
	FilterRedirect  = "redirects"
	FilterDismissed = "dismissed"
	FilterUnchecked = "unchecked"
)

// LinkFilter is a paginated admin query over links.
type LinkFilter struct {
	Filter  string
	Search  string
	Page    int
	PerPage int
}

// Offset returns the zero-based row offset of the filter's page.
func (f LinkFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.PerPage
}

// Summary counts links and instances for dashboard display.
type Summary struct {
	Broken         int  `json:"broken"`
	Warning        int  `json:"warning"`
	Dismissed      int  `json:"dismissed"`
	Unchecked      int  `json:"unchecked"`
	TotalLinks     int  `json:"total_links"`
	TotalInstances int  `json:"total_instances"`
	Unsynced       int  `json:"unsynced_containers"`
	Searching      bool `json:"searching"`
}
