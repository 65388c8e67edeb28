// Package transport carries producer envelopes over Redis pub/sub. Subjects
// encode the routing facts (scope, lane, identity, schema version) so
// subscribers filter by pattern without decoding payloads.
package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nova-io/nova/pkg/models"
)

// subjectPrefix roots every subject. The full layout is
//
//	nova.{scopeId}.{lane}.{systemId}.{containerId}.{uniqueId}.v{N}
const subjectPrefix = "nova"

// subjectVersion derives the version segment from an envelope. Raw frames
// carry no schema version; their subjects publish on v1.
func subjectVersion(env *models.Envelope) int {
	if env.SchemaVersion >= 1 {
		return env.SchemaVersion
	}
	return 1
}

// ErrBadSubject is returned when a subject cannot be parsed.
var ErrBadSubject = errors.New("malformed subject")

// ErrSubjectMismatch is returned when an envelope's routing fields disagree
// with the subject it arrived on. Such deliveries are rejected; the subject
// is not trusted over the envelope, the conflict itself is the defect.
var ErrSubjectMismatch = errors.New("envelope does not match subject")

// Subject is the decoded form of one routing subject.
type Subject struct {
	ScopeID string
	Lane    models.Lane
	models.Identity
	Version int
}

// SubjectFor builds the subject an envelope publishes on. The version
// segment is the envelope's schema version.
func SubjectFor(env *models.Envelope) Subject {
	return Subject{
		ScopeID:  env.ScopeID,
		Lane:     env.Lane,
		Identity: env.Identity,
		Version:  subjectVersion(env),
	}
}

// Validate rejects subjects whose segments would not round-trip: empty
// components, or components containing the separator.
func (s Subject) Validate() error {
	segs := []string{s.ScopeID, string(s.Lane), s.SystemID, s.ContainerID, s.UniqueID}
	for _, seg := range segs {
		if seg == "" {
			return fmt.Errorf("%w: empty segment", ErrBadSubject)
		}
		if strings.Contains(seg, ".") {
			return fmt.Errorf("%w: segment %q contains separator", ErrBadSubject, seg)
		}
	}
	if !s.Lane.Valid() {
		return fmt.Errorf("%w: unknown lane %q", ErrBadSubject, s.Lane)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: version %d", ErrBadSubject, s.Version)
	}
	return nil
}

func (s Subject) String() string {
	return strings.Join([]string{
		subjectPrefix, s.ScopeID, string(s.Lane),
		s.SystemID, s.ContainerID, s.UniqueID,
		"v" + strconv.Itoa(s.Version),
	}, ".")
}

// ParseSubject decodes a wire subject. The segment count is exact; extra or
// missing segments are rejected rather than guessed at.
func ParseSubject(raw string) (Subject, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 7 {
		return Subject{}, fmt.Errorf("%w: want 7 segments, got %d", ErrBadSubject, len(parts))
	}
	if parts[0] != subjectPrefix {
		return Subject{}, fmt.Errorf("%w: prefix %q", ErrBadSubject, parts[0])
	}

	version, ok := strings.CutPrefix(parts[6], "v")
	if !ok {
		return Subject{}, fmt.Errorf("%w: version segment %q", ErrBadSubject, parts[6])
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: version segment %q", ErrBadSubject, parts[6])
	}

	s := Subject{
		ScopeID: parts[1],
		Lane:    models.Lane(parts[2]),
		Identity: models.Identity{
			SystemID:    parts[3],
			ContainerID: parts[4],
			UniqueID:    parts[5],
		},
		Version: v,
	}
	if err := s.Validate(); err != nil {
		return Subject{}, err
	}
	return s, nil
}

// CheckEnvelope verifies that the envelope's routing fields agree with the
// subject it was delivered on.
func (s Subject) CheckEnvelope(env *models.Envelope) error {
	if env.ScopeID != s.ScopeID {
		return fmt.Errorf("%w: scope %q on subject %q", ErrSubjectMismatch, env.ScopeID, s.ScopeID)
	}
	if env.Lane != s.Lane {
		return fmt.Errorf("%w: lane %q on subject lane %q", ErrSubjectMismatch, env.Lane, s.Lane)
	}
	if env.Identity != s.Identity {
		return fmt.Errorf("%w: identity %q on subject %q", ErrSubjectMismatch, env.Identity.Key(), s.Identity.Key())
	}
	if v := subjectVersion(env); v != s.Version {
		return fmt.Errorf("%w: schemaVersion %d on subject v%d", ErrSubjectMismatch, v, s.Version)
	}
	return nil
}

// PatternForScope returns the PSUBSCRIBE pattern covering one scope, or all
// scopes when scopeID is empty (aggregating role).
func PatternForScope(scopeID string) string {
	if scopeID == "" {
		return subjectPrefix + ".*"
	}
	return subjectPrefix + "." + scopeID + ".*"
}
