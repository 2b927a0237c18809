// Package patch defines the JSON-diff collaborator xjog depends on but does
// not own (spec.md §1, §9): computing and applying JSON Patch (RFC 6902)
// operation sequences for the journal's backward deltas. The direction is
// normative per spec.md §3: a stored delta, applied to the *new* value,
// reproduces the *previous* value.
//
// RFC 6902 (a sequence of add/remove/replace operations), not RFC 7396
// merge-patch, is used deliberately: merge-patch overloads JSON `null` to
// mean "delete this field", so it cannot represent a transition that sets a
// field to an explicit `null` in a way that is reversible (§8 property 3) —
// replaying the reverse merge-patch would delete the field instead of
// restoring its prior `null` value. A `replace`/`add` operation with a
// literal `null` value carries no such ambiguity.
package patch

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Patcher computes and applies JSON Patch (RFC 6902) documents.
type Patcher interface {
	// Diff returns a patch which, applied to newValue, reproduces oldValue.
	Diff(oldValue, newValue json.RawMessage) (json.RawMessage, error)
	// Apply applies patch to target and returns the result.
	Apply(target, patch json.RawMessage) (json.RawMessage, error)
}

// jsonPatch is the default Patcher, backed by evanphx/json-patch.
type jsonPatch struct{}

// New returns the default Patcher implementation.
func New() Patcher { return jsonPatch{} }

func (jsonPatch) Diff(oldValue, newValue json.RawMessage) (json.RawMessage, error) {
	if oldValue == nil {
		oldValue = json.RawMessage("null")
	}
	if newValue == nil {
		newValue = json.RawMessage("null")
	}
	// Backwards: applying the result to newValue must reproduce oldValue.
	p, err := jsonpatch.CreatePatch(newValue, oldValue)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func (jsonPatch) Apply(target, patchDoc json.RawMessage) (json.RawMessage, error) {
	if len(patchDoc) == 0 || string(patchDoc) == "null" {
		return target, nil
	}
	decoded, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, err
	}
	out, err := decoded.Apply(target)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
