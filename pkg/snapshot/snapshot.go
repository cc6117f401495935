// Package snapshot defines the audit snapshot model delivered to
// subscribers, along with validation and content hashing. Snapshots are
// produced by an external audit process; this package never computes
// audit data, it only guards the shape of what gets delivered.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HealthStatus is the overall traffic-light state of the audited estate.
type HealthStatus string

const (
	HealthGreen  HealthStatus = "green"
	HealthYellow HealthStatus = "yellow"
	HealthRed    HealthStatus = "red"
)

// Summary aggregates per-repository audit results.
type Summary struct {
	Total   int `json:"total"`
	Clean   int `json:"clean"`
	Dirty   int `json:"dirty"`
	Missing int `json:"missing"`
	Extra   int `json:"extra"`
}

// Repo is one audited repository entry. Name and Status are mandatory;
// the remaining fields are informational.
type Repo struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	CloneURL      string `json:"clone_url,omitempty"`
	LocalPath     string `json:"local_path,omitempty"`
	DashboardLink string `json:"dashboard_link,omitempty"`
}

// Snapshot is one immutable, timestamped view of the audited state.
// A new instance is produced for every update; instances are never
// mutated after construction.
type Snapshot struct {
	Timestamp    string       `json:"timestamp"`
	HealthStatus HealthStatus `json:"health_status"`
	Summary      Summary      `json:"summary"`
	Repos        []Repo       `json:"repos"`
}

// rawSummary mirrors Summary with pointer fields so missing keys can be
// distinguished from zero values during validation.
type rawSummary struct {
	Total   *int `json:"total"`
	Clean   *int `json:"clean"`
	Dirty   *int `json:"dirty"`
	Missing *int `json:"missing"`
	Extra   *int `json:"extra"`
}

type rawRepo struct {
	Name          *string `json:"name"`
	Status        *string `json:"status"`
	CloneURL      string  `json:"clone_url"`
	LocalPath     string  `json:"local_path"`
	DashboardLink string  `json:"dashboard_link"`
}

// Parse decodes and validates a snapshot payload.
//
// The outer object must carry a string timestamp, a string health_status,
// a summary with all five numeric fields, and a repos array; otherwise an
// error is returned and the caller keeps whatever snapshot it already has.
// Individual repo entries that lack a string name or status are dropped
// silently. Parsing an already-valid snapshot yields an equal snapshot,
// so validation is idempotent.
func Parse(data []byte) (*Snapshot, error) {
	var probe struct {
		Timestamp    *string          `json:"timestamp"`
		HealthStatus *string          `json:"health_status"`
		Summary      *rawSummary      `json:"summary"`
		Repos        *json.RawMessage `json:"repos"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("snapshot is not a valid JSON object: %w", err)
	}
	if probe.Timestamp == nil {
		return nil, fmt.Errorf("snapshot is missing timestamp")
	}
	if probe.HealthStatus == nil {
		return nil, fmt.Errorf("snapshot is missing health_status")
	}
	if probe.Summary == nil {
		return nil, fmt.Errorf("snapshot is missing summary")
	}
	if err := probe.Summary.check(); err != nil {
		return nil, err
	}
	if probe.Repos == nil {
		return nil, fmt.Errorf("snapshot is missing repos array")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(*probe.Repos, &entries); err != nil {
		return nil, fmt.Errorf("snapshot repos is not an array: %w", err)
	}

	snap := &Snapshot{
		Timestamp:    *probe.Timestamp,
		HealthStatus: HealthStatus(*probe.HealthStatus),
		Summary: Summary{
			Total:   *probe.Summary.Total,
			Clean:   *probe.Summary.Clean,
			Dirty:   *probe.Summary.Dirty,
			Missing: *probe.Summary.Missing,
			Extra:   *probe.Summary.Extra,
		},
		Repos: make([]Repo, 0, len(entries)),
	}

	for _, entry := range entries {
		var r rawRepo
		if err := json.Unmarshal(entry, &r); err != nil {
			// malformed entry, drop it and keep the rest
			continue
		}
		if r.Name == nil || r.Status == nil {
			continue
		}
		snap.Repos = append(snap.Repos, Repo{
			Name:          *r.Name,
			Status:        *r.Status,
			CloneURL:      r.CloneURL,
			LocalPath:     r.LocalPath,
			DashboardLink: r.DashboardLink,
		})
	}

	return snap, nil
}

func (s *rawSummary) check() error {
	if s.Total == nil || s.Clean == nil || s.Dirty == nil || s.Missing == nil || s.Extra == nil {
		return fmt.Errorf("snapshot summary is missing one of total/clean/dirty/missing/extra")
	}
	return nil
}

// Hash returns a content hash of a serialized payload. Byte-identical
// payloads hash identically, which is what polling dedup relies on.
func Hash(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}
