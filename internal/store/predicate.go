package store

import (
	"regexp"
	"time"
)

// PredicateOp enumerates the boolean-tree node kinds of spec.md §6's
// composable event/delta query filters.
type PredicateOp string

const (
	OpAnd            PredicateOp = "and"
	OpOr             PredicateOp = "or"
	OpNot            PredicateOp = "not"
	OpEq             PredicateOp = "eq"
	OpMatches        PredicateOp = "matches"
	OpLt             PredicateOp = "lt"
	OpLte            PredicateOp = "lte"
	OpGt             PredicateOp = "gt"
	OpGte            PredicateOp = "gte"
	OpCreatedBefore  PredicateOp = "createdBefore"
	OpCreatedAfter   PredicateOp = "createdAfter"
	OpUpdatedBefore  PredicateOp = "updatedBefore"
	OpUpdatedAfter   PredicateOp = "updatedAfter"
)

// PredicateField names the leaf a comparison operator reads from a Subject.
type PredicateField string

const (
	FieldMachineID    PredicateField = "machineId"
	FieldChartID      PredicateField = "chartId"
	FieldState        PredicateField = "state"
	FieldExternalID   PredicateField = "externalId" // Key selects which key of Subject.ExternalIDs
	FieldDigest       PredicateField = "digest"     // Key selects which digest key of Subject.DigestValues
)

// Predicate is one node of a composable boolean query-filter tree (spec.md
// §6: "composable boolean trees {and, or, not, eq, matches (regex), <, <=,
// >, >=, created/updated before/after}"). Leaf nodes name a Field (and, for
// FieldExternalID/FieldDigest, a Key selecting which map entry) and compare
// it against Value; combinator nodes (And/Or/Not) hold Children.
//
// ChartFilter is the same tree restricted by convention to the
// machineId/chartId/state/externalIdentifiers leaves the "Delta query
// ChartFilter" of §6 names — no digest field, no time bounds, no ordering
// comparisons — but is not a distinct Go type so that the query-planning
// code (Eval, below) has a single implementation to maintain.
type Predicate struct {
	Op       PredicateOp
	Children []Predicate // populated for And/Or; exactly one for Not

	Field PredicateField // populated for leaf comparisons
	Key   string         // populated when Field is FieldExternalID or FieldDigest
	Value string         // comparison operand for Eq/Matches/Lt/Lte/Gt/Gte
	Time  time.Time      // comparison operand for created/updated before/after
}

// ChartFilter is a Predicate conventionally restricted to
// {machineId regex, chartId regex, state match, externalIdentifiers regex
// map} leaves combined with and/or/not (spec.md §6's "Delta query
// ChartFilter"). A zero-value ChartFilter matches every chart.
type ChartFilter = Predicate

// Subject is the per-chart record a Predicate is evaluated against. State
// is the raw JSON evaluator.State.Value/Context, as stored in the journal's
// full-state table — never the opaque serializer-encoded chart snapshot.
type Subject struct {
	MachineID    string
	ChartID      string
	State        []byte
	ExternalIDs  map[string][]string // key -> values registered against this chart
	DigestValues map[string]string   // key -> latest value
	Created      time.Time
	Updated      time.Time
}

// And builds a conjunction node.
func And(children ...Predicate) Predicate { return Predicate{Op: OpAnd, Children: children} }

// Or builds a disjunction node.
func Or(children ...Predicate) Predicate { return Predicate{Op: OpOr, Children: children} }

// Not negates child.
func Not(child Predicate) Predicate { return Predicate{Op: OpNot, Children: []Predicate{child}} }

// Eq builds an equality leaf against field (and, for FieldExternalID or
// FieldDigest, the map entry named by key).
func Eq(field PredicateField, key, value string) Predicate {
	return Predicate{Op: OpEq, Field: field, Key: key, Value: value}
}

// Matches builds a regular-expression leaf against field.
func Matches(field PredicateField, key, pattern string) Predicate {
	return Predicate{Op: OpMatches, Field: field, Key: key, Value: pattern}
}

func compare(op PredicateOp, field PredicateField, key, value string) Predicate {
	return Predicate{Op: op, Field: field, Key: key, Value: value}
}

func Lt(field PredicateField, key, value string) Predicate  { return compare(OpLt, field, key, value) }
func Lte(field PredicateField, key, value string) Predicate { return compare(OpLte, field, key, value) }
func Gt(field PredicateField, key, value string) Predicate  { return compare(OpGt, field, key, value) }
func Gte(field PredicateField, key, value string) Predicate { return compare(OpGte, field, key, value) }

func CreatedBefore(t time.Time) Predicate { return Predicate{Op: OpCreatedBefore, Time: t} }
func CreatedAfter(t time.Time) Predicate  { return Predicate{Op: OpCreatedAfter, Time: t} }
func UpdatedBefore(t time.Time) Predicate { return Predicate{Op: OpUpdatedBefore, Time: t} }
func UpdatedAfter(t time.Time) Predicate  { return Predicate{Op: OpUpdatedAfter, Time: t} }

// Eval evaluates p against subj. Filter trees are evaluated in Go rather
// than compiled to backend-specific SQL: the tree can combine leaves across
// three different tables (full-state, external ids, digests) that only a
// hand-written per-backend query planner could push down, and the
// candidate row count per chart is small (spec.md's engine is
// per-instance, not a multi-tenant query service), so a full table scan
// evaluated in Go is the pragmatic choice over building three dialects of
// a boolean-tree-to-SQL compiler.
func Eval(p Predicate, subj Subject) bool {
	switch p.Op {
	case OpAnd:
		for _, c := range p.Children {
			if !Eval(c, subj) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range p.Children {
			if Eval(c, subj) {
				return true
			}
		}
		return false
	case OpNot:
		if len(p.Children) != 1 {
			return false
		}
		return !Eval(p.Children[0], subj)
	case OpEq:
		return evalLeaf(p, subj, func(v string) bool { return v == p.Value })
	case OpMatches:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false
		}
		return evalLeaf(p, subj, re.MatchString)
	case OpLt, OpLte, OpGt, OpGte:
		return evalLeaf(p, subj, func(v string) bool { return compareOrdered(p.Op, v, p.Value) })
	case OpCreatedBefore:
		return subj.Created.Before(p.Time)
	case OpCreatedAfter:
		return subj.Created.After(p.Time)
	case OpUpdatedBefore:
		return subj.Updated.Before(p.Time)
	case OpUpdatedAfter:
		return subj.Updated.After(p.Time)
	default:
		return false
	}
}

// evalLeaf applies match against every string value field selects out of
// subj, matching if any one does (an externalId/digest key may have
// multiple registered values).
func evalLeaf(p Predicate, subj Subject, match func(string) bool) bool {
	for _, v := range leafValues(p, subj) {
		if match(v) {
			return true
		}
	}
	return false
}

func leafValues(p Predicate, subj Subject) []string {
	switch p.Field {
	case FieldMachineID:
		return []string{subj.MachineID}
	case FieldChartID:
		return []string{subj.ChartID}
	case FieldState:
		return []string{string(subj.State)}
	case FieldExternalID:
		return subj.ExternalIDs[p.Key]
	case FieldDigest:
		if v, ok := subj.DigestValues[p.Key]; ok {
			return []string{v}
		}
		return nil
	default:
		return nil
	}
}

func compareOrdered(op PredicateOp, a, b string) bool {
	switch op {
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	default:
		return false
	}
}
