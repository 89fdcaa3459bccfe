// Package idgen centralizes generation of the 128-bit identifiers used
// throughout Spider's entity model (§3), so call sites name what they're
// minting an id for rather than reaching for uuid.New() directly.
package idgen

import "github.com/google/uuid"

func NewJobID() uuid.UUID          { return uuid.New() }
func NewTaskID() uuid.UUID         { return uuid.New() }
func NewTaskInstanceID() uuid.UUID { return uuid.New() }
func NewDriverID() uuid.UUID       { return uuid.New() }
func NewSchedulerID() uuid.UUID    { return uuid.New() }
func NewDataID() uuid.UUID         { return uuid.New() }
