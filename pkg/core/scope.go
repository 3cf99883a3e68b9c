package core

import "encoding/json"

// ScopeClause is one include or exclude predicate of an audit scope. A
// scope is an ordered list of clauses; the model's scope handler applies
// them in order to project the cluster model down to the permitted subset.
type ScopeClause struct {
	// Kind selects the dimension the clause matches on.
	Kind ScopeKind `json:"kind"`

	// Exclude inverts the clause: matching elements are excluded rather
	// than included.
	Exclude bool `json:"exclude,omitempty"`

	// Values are the matched identifiers: aggregate names, availability
	// zone names, or node/instance UUIDs depending on Kind.
	Values []string `json:"values,omitempty"`

	// Metadata matches instances by metadata key/value pairs. Only used
	// with KindInstanceMetadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScopeKind is the dimension a scope clause selects on.
type ScopeKind string

const (
	ScopeHostAggregate    ScopeKind = "host_aggregate"
	ScopeAvailabilityZone ScopeKind = "availability_zone"
	ScopeComputeNode      ScopeKind = "compute_node"
	ScopeInstance         ScopeKind = "instance"
	ScopeInstanceMetadata ScopeKind = "instance_metadata"
	ScopeStoragePool      ScopeKind = "storage_pool"
)

// ParseScope decodes a persisted scope JSON document.
func ParseScope(raw json.RawMessage) ([]ScopeClause, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var clauses []ScopeClause
	if err := json.Unmarshal(raw, &clauses); err != nil {
		return nil, NewPermanentError("failed to parse scope", err).WithCode(ErrCodeValidation)
	}
	return clauses, nil
}

// EncodeScope encodes scope clauses for persistence. A nil scope encodes
// to nil so the column stays NULL.
func EncodeScope(clauses []ScopeClause) (json.RawMessage, error) {
	if len(clauses) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(clauses)
	if err != nil {
		return nil, NewPermanentError("failed to encode scope", err).WithCode(ErrCodeValidation)
	}
	return raw, nil
}
