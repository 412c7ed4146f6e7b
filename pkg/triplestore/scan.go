package triplestore

import "github.com/kvfact/triplestore/pkg/triplestore/kv"

// Dir selects scan direction.
type Dir int

const (
	Asc Dir = iota
	Desc
)

// attrUpperBound returns a ++ [Max{}]: the exclusive upper bound that
// matches every attribute path having a as a strict prefix, by relying on
// tagArrayEnd sorting below every element tag (see keycodec.go).
func attrUpperBound(a Attribute) Attribute {
	out := make(Attribute, 0, len(a)+1)
	out = append(out, a...)
	return append(out, Max{})
}

func entityOrMin(e *string) any {
	if e == nil {
		return Min{}
	}
	return *e
}

func entityOrMax(e *string) any {
	if e == nil {
		return Max{}
	}
	return *e
}

func attrOrMin(a Attribute) any {
	if a == nil {
		return Min{}
	}
	return a
}

// ScanByEAV implements findByEAV: scan the EAV family bounded by an
// optional entity, attribute, and value, in entity-attribute-value order.
func ScanByEAV(e *string, a Attribute, v Value, dir Dir) (kv.ScanArgs, error) {
	gte, err := encodeKey(familyEAV, entityOrMin(e), attrOrMin(a), valueOrMin(v))
	if err != nil {
		return kv.ScanArgs{}, err
	}
	lt, err := encodeKey(familyEAV, entityOrMax(e), attrUpperBound(a), Max{})
	if err != nil {
		return kv.ScanArgs{}, err
	}
	prefix, err := encodeKey(familyEAV)
	if err != nil {
		return kv.ScanArgs{}, err
	}
	return kv.ScanArgs{Prefix: prefix, Gte: gte, Lt: lt, Reverse: dir == Desc}, nil
}

func valueOrMin(v Value) any {
	if v == nil {
		return Min{}
	}
	return v
}

// ScanByEntity implements findByEntity: every fact for one entity.
func ScanByEntity(e string, dir Dir) (kv.ScanArgs, error) {
	return ScanByEAV(&e, nil, nil, dir)
}

// ScanByEntityAttribute implements findByEntityAttribute: every fact for
// one entity's attribute (and, transitively, every attribute nested under
// it).
func ScanByEntityAttribute(e string, a Attribute, dir Dir) (kv.ScanArgs, error) {
	return ScanByEAV(&e, a, nil, dir)
}

// ScanByAVE implements findByAVE: scan the AVE family bounded by an
// optional attribute, value, and entity, in attribute-value-entity order.
func ScanByAVE(a Attribute, v Value, e *string, dir Dir) (kv.ScanArgs, error) {
	gte, err := encodeKey(familyAVE, attrOrMin(a), valueOrMin(v), entityOrMin(e))
	if err != nil {
		return kv.ScanArgs{}, err
	}

	var comp1 any
	if v == nil {
		comp1 = attrUpperBound(a)
	} else {
		comp1 = a
	}
	lt, err := encodeKey(familyAVE, comp1, valueOrMax(v), Max{})
	if err != nil {
		return kv.ScanArgs{}, err
	}
	prefix, err := encodeKey(familyAVE)
	if err != nil {
		return kv.ScanArgs{}, err
	}
	return kv.ScanArgs{Prefix: prefix, Gte: gte, Lt: lt, Reverse: dir == Desc}, nil
}

func valueOrMax(v Value) any {
	if v == nil {
		return Max{}
	}
	return v
}

// ScanByAttribute implements findByAttribute: every fact naming one
// attribute path or any path nested under it, regardless of entity or
// value.
func ScanByAttribute(a Attribute, dir Dir) (kv.ScanArgs, error) {
	return ScanByAVE(a, nil, nil, dir)
}

// ScanByCollection implements findByCollection: every fact whose attribute
// path's first component names the given collection. Built on the AVE
// family (not EAV) using the same attribute-prefix upper-bound trick as
// ScanByAttribute, specialized to a single-element attribute prefix — the
// scan's own description ("relies on the first component of attribute
// being the collection name") only holds against an attribute-leading key
// ordering, which AVE is and EAV is not.
func ScanByCollection(collection string, dir Dir) (kv.ScanArgs, error) {
	return ScanByAVE(Attribute{collection}, nil, nil, dir)
}

// ValueCursor anchors a findValuesInRange bound to a value and, optionally,
// the entity it belongs to, for stable pagination across equal values.
type ValueCursor struct {
	Value    Value
	EntityID *string
}

// ScanValuesInRange implements findValuesInRange: every (value, entity)
// pair recorded against one attribute, restricted to an optional
// half-open cursor range.
func ScanValuesInRange(a Attribute, gt, lt *ValueCursor, dir Dir) (kv.ScanArgs, error) {
	prefix, err := encodeKey(familyAVE, a)
	if err != nil {
		return kv.ScanArgs{}, err
	}
	args := kv.ScanArgs{Prefix: prefix, Reverse: dir == Desc}
	if gt != nil {
		b, err := cursorBound(a, *gt, Max{})
		if err != nil {
			return kv.ScanArgs{}, err
		}
		args.Gt = b
	}
	if lt != nil {
		b, err := cursorBound(a, *lt, Min{})
		if err != nil {
			return kv.ScanArgs{}, err
		}
		args.Lt = b
	}
	return args, nil
}

// cursorBound encodes [AVE, a, cursor.Value[, cursor.EntityID]], padded
// with fill out to the full (tag, a, v, e, t) tuple length of 5.
func cursorBound(a Attribute, cursor ValueCursor, fill any) ([]byte, error) {
	comps := []any{familyAVE, a, cursor.Value}
	if cursor.EntityID != nil {
		comps = append(comps, *cursor.EntityID)
	}
	for len(comps) < 5 {
		comps = append(comps, fill)
	}
	return encodeKey(comps...)
}

// TimestampOp selects the comparison findByClientTimestamp scans for.
type TimestampOp string

const (
	OpLt  TimestampOp = "lt"
	OpLte TimestampOp = "lte"
	OpGt  TimestampOp = "gt"
	OpGte TimestampOp = "gte"
	OpEq  TimestampOp = "eq"
)

// tsOuterComponent is the key component a timestamp encodes to at the
// position immediately following the client id, or an empty Attribute if
// t is absent (sorting below every real timestamp).
func tsOuterComponent(t *Timestamp) any {
	if t == nil {
		return Attribute{}
	}
	return *t
}

// ScanByClientTimestamp implements findByClientTimestamp: every fact a
// given client wrote, bounded by op against an optional timestamp. Returns
// InvalidTimestampIndexScanError for any op outside {lt, lte, gt, gte, eq}.
func ScanByClientTimestamp(client string, op TimestampOp, t *Timestamp, dir Dir) (kv.ScanArgs, error) {
	prefix, err := encodeKey(familyClientTimestamp, client)
	if err != nil {
		return kv.ScanArgs{}, err
	}
	args := kv.ScanArgs{Prefix: prefix, Reverse: dir == Desc}

	switch op {
	case OpLt:
		if t != nil {
			b, err := encodeKey(familyClientTimestamp, client, tsOuterComponent(t))
			if err != nil {
				return kv.ScanArgs{}, err
			}
			args.Lt = b
		}
	case OpLte:
		b, err := encodeKey(familyClientTimestamp, client, tsOuterComponent(t), Max{})
		if err != nil {
			return kv.ScanArgs{}, err
		}
		args.Lte = b
	case OpGt:
		b, err := encodeKey(familyClientTimestamp, client, tsOuterComponent(t), Max{})
		if err != nil {
			return kv.ScanArgs{}, err
		}
		args.Gt = b
	case OpGte:
		b, err := encodeKey(familyClientTimestamp, client, tsOuterComponent(t))
		if err != nil {
			return kv.ScanArgs{}, err
		}
		args.Gte = b
	case OpEq:
		gte, err := encodeKey(familyClientTimestamp, client, tsOuterComponent(t))
		if err != nil {
			return kv.ScanArgs{}, err
		}
		lt, err := encodeKey(familyClientTimestamp, client, tsOuterComponent(t), Max{})
		if err != nil {
			return kv.ScanArgs{}, err
		}
		args.Gte, args.Lt = gte, lt
	default:
		return kv.ScanArgs{}, &InvalidTimestampIndexScanError{Op: string(op)}
	}
	return args, nil
}

// ScanMaxTimestamp implements findMaxTimestamp: the single most recent
// timestamp a client has written, used to seed clock.Monotonic's counter
// on recovery.
func ScanMaxTimestamp(client string) (kv.ScanArgs, error) {
	return ScanByClientTimestamp(client, OpGte, nil, Desc)
}

// ScanMetadata implements the metadata family's read path: every metadata
// tuple for one entity, optionally restricted to an attribute subtree.
func ScanMetadata(entityID string, attr Attribute) (kv.ScanArgs, error) {
	prefix, err := metadataKey(entityID, attr)
	if err != nil {
		return kv.ScanArgs{}, err
	}
	return kv.ScanArgs{Prefix: prefix}, nil
}
