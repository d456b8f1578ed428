// Package invsync provides the offline-first synchronization core for the
// inventory client: a local SQLite replica with a durable mutation queue,
// a typed remote gateway, a sync orchestrator with optimistic writes and
// FIFO replay, and conflict detection with user-facing notification.
//
// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies one of the synchronized inventory tables.
type EntityType string

const (
	TableItems      EntityType = "items"
	TableContainers EntityType = "containers"
	TableCategories EntityType = "categories"
	TableLocations  EntityType = "locations"
	TableSources    EntityType = "sources"
)

// Tables returns all synchronized entity types in a stable order.
func Tables() []EntityType {
	return []EntityType{TableCategories, TableLocations, TableSources, TableContainers, TableItems}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := tableSpecs[t]
	return ok
}

// Record is the envelope every synchronized entity travels in. Key is the
// remote id rendered as a decimal string, or a locally generated key (see
// NewLocalKey) for entities created while offline that have not reached
// the server yet. Fields holds the business fields under their domain
// names (e.g. "sellingPrice", "containerId").
type Record struct {
	Type      EntityType
	Key       string
	RemoteID  int64
	OwnerID   int64
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]any
}

const localKeyPrefix = "loc-"

// NewLocalKey generates a key for an entity that does not have a
// remote-assigned id yet.
func NewLocalKey() string {
	return localKeyPrefix + uuid.New().String()
}

// IsLocalKey reports whether key was generated locally (entity not yet
// created on the server).
func IsLocalKey(key string) bool {
	return strings.HasPrefix(key, localKeyPrefix)
}

// RemoteKey renders a remote id as a record key.
func RemoteKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseRemoteKey(key string) (int64, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q is not a remote id: %w", key, err)
	}
	return id, nil
}

// Operation is the kind of mutation a queued change carries.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpSoftDelete Operation = "delete"
)

// MutationStatus tracks a queued mutation through replay.
type MutationStatus string

const (
	StatusQueued     MutationStatus = "queued"
	StatusInFlight   MutationStatus = "in_flight"
	StatusFailed     MutationStatus = "failed"
	StatusConflicted MutationStatus = "conflicted"
)

// PendingMutation is one queued offline write. At most one row exists per
// (Type, Key) pair; later writes to the same entity coalesce into it while
// it keeps its original queue position and BaseVersion.
type PendingMutation struct {
	LocalID     string
	Type        EntityType
	Key         string
	Op          Operation
	Fields      map[string]any // nil for soft deletes
	BaseVersion time.Time      // remote updatedAt the mutation was built against; zero for creates
	QueuedAt    time.Time
	Attempts    int
	Status      MutationStatus
	Seq         int64
}

// Resolution is the state of a conflict record.
type Resolution string

const (
	ResolutionUnresolved   Resolution = "unresolved"
	ResolutionAcceptRemote Resolution = "accepted_remote"
	ResolutionKeepLocal    Resolution = "kept_local"
)

// ConflictRecord captures a divergence between a queued local mutation and
// the authoritative remote copy of the same entity. At most one unresolved
// record exists per (Type, Key).
type ConflictRecord struct {
	ID            string
	Type          EntityType
	Key           string
	Op            Operation
	LocalFields   map[string]any
	BaseVersion   time.Time
	RemoteVersion time.Time // zero when the remote copy was soft-deleted
	RemoteDeleted bool
	DetectedAt    time.Time
	Resolution    Resolution
}

// tableSpec is the static per-table registry: list ordering, domain↔wire
// field names, and which fields reference other tables.
type tableSpec struct {
	// replicaOrder is the ORDER BY clause used by the local replica
	// (denormalized sort columns), serverOrder the equivalent on wire
	// column names.
	replicaOrder  string
	serverOrder   string
	sortNumField  string            // domain field mirrored into sort_num, if any
	sortTextField string            // domain field mirrored into sort_text, if any
	wire          map[string]string // domain field -> wire column
	refs          map[string]EntityType
}

var tableSpecs = map[EntityType]tableSpec{
	TableItems: {
		replicaOrder: "created_at DESC, rec_key",
		serverOrder:  "created_at DESC, id",
		wire: map[string]string{
			"name":          "name",
			"description":   "description",
			"quantity":      "quantity",
			"purchasePrice": "purchase_price",
			"sellingPrice":  "selling_price",
			"categoryId":    "category_id",
			"containerId":   "container_id",
			"locationId":    "location_id",
			"sourceId":      "source_id",
		},
		refs: map[string]EntityType{
			"categoryId":  TableCategories,
			"containerId": TableContainers,
			"locationId":  TableLocations,
			"sourceId":    TableSources,
		},
	},
	TableContainers: {
		replicaOrder: "sort_num, rec_key",
		serverOrder:  "number, id",
		sortNumField: "number",
		wire: map[string]string{
			"name":       "name",
			"number":     "number",
			"locationId": "location_id",
		},
		refs: map[string]EntityType{
			"locationId": TableLocations,
		},
	},
	TableCategories: {
		replicaOrder:  "sort_text, rec_key",
		serverOrder:   "name, id",
		sortTextField: "name",
		wire: map[string]string{
			"name": "name",
		},
	},
	TableLocations: {
		replicaOrder:  "sort_text, rec_key",
		serverOrder:   "name, id",
		sortTextField: "name",
		wire: map[string]string{
			"name":        "name",
			"description": "description",
		},
	},
	TableSources: {
		replicaOrder:  "sort_text, rec_key",
		serverOrder:   "name, id",
		sortTextField: "name",
		wire: map[string]string{
			"name":  "name",
			"notes": "notes",
		},
	},
}

// WireColumns returns the business wire column names of t, excluding the
// envelope columns (id, owner_id, deleted, created_at, updated_at).
func WireColumns(t EntityType) []string {
	spec, ok := tableSpecs[t]
	if !ok {
		return nil
	}
	cols := make([]string, 0, len(spec.wire))
	for _, w := range spec.wire {
		cols = append(cols, w)
	}
	return cols
}

// OrderClause returns the SQL ordering (on wire column names) that gives
// t its stable list order.
func OrderClause(t EntityType) string {
	return tableSpecs[t].serverOrder
}

// WireReferences returns the wire columns of t that reference rows of
// other tables, mapped to the referenced table.
func WireReferences(t EntityType) map[string]EntityType {
	spec, ok := tableSpecs[t]
	if !ok {
		return nil
	}
	out := make(map[string]EntityType, len(spec.refs))
	for domain, ref := range spec.refs {
		out[spec.wire[domain]] = ref
	}
	return out
}

// Item is the typed form of an items record's business fields.
type Item struct {
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	Quantity      int     `json:"quantity"`
	PurchasePrice float64 `json:"purchasePrice"`
	SellingPrice  float64 `json:"sellingPrice"`
	CategoryID    int64   `json:"categoryId,omitempty"`
	ContainerID   *int64  `json:"containerId,omitempty"`
	LocationID    *int64  `json:"locationId,omitempty"`
	SourceID      *int64  `json:"sourceId,omitempty"`
}

// Container is the typed form of a containers record's business fields.
type Container struct {
	Name       string `json:"name"`
	Number     int    `json:"number"`
	LocationID *int64 `json:"locationId,omitempty"`
}

// Category is the typed form of a categories record's business fields.
type Category struct {
	Name string `json:"name"`
}

// Location is the typed form of a locations record's business fields.
type Location struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Source is the typed form of a sources record's business fields.
type Source struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

// FieldsOf converts a typed entity struct into the field map used by the
// orchestrator API.
func FieldsOf(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return fields, nil
}

// DecodeFields decodes a record's field map into a typed entity struct.
func DecodeFields(fields map[string]any, out any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	return nil
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
