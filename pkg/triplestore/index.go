package triplestore

import "encoding/json"

// Index family tags. Every key in the backing kv.Backend starts (after
// the tenant prefix multistore.New applies) with one of these tags, so a
// single flat byte-ordered keyspace can hold all four families without
// collision. VAE is reserved but never written — see DESIGN.md's Open
// Question resolution.
const (
	familyEAV             = "EAV"
	familyAVE             = "AVE"
	familyVAE             = "VAE" // reserved, intentionally unused
	familyClientTimestamp = "clientTimestamp"
	familyMetadata        = "metadata"
)

// indexValue is the payload stored at every EAV/AVE/clientTimestamp key:
// just the expired flag, so decoding a scan result only needs the key
// (which already carries entity/attribute/value/timestamp) plus this one
// bit.
type indexValue struct {
	Expired bool `json:"expired"`
}

func encodeIndexValue(expired bool) []byte {
	b, _ := json.Marshal(indexValue{Expired: expired})
	return b
}

func decodeIndexValue(b []byte) (bool, error) {
	var v indexValue
	if err := json.Unmarshal(b, &v); err != nil {
		return false, err
	}
	return v.Expired, nil
}

func eavKey(row TripleRow) ([]byte, error) {
	return encodeKey(familyEAV, row.EntityID, row.Attribute, row.Value, row.Timestamp)
}

func aveKey(row TripleRow) ([]byte, error) {
	return encodeKey(familyAVE, row.Attribute, row.Value, row.EntityID, row.Timestamp)
}

func clientTimestampKey(row TripleRow) ([]byte, error) {
	return encodeKey(familyClientTimestamp, row.Timestamp.ClientID, row.Timestamp, row.EntityID, row.Attribute, row.Value)
}

func metadataKey(entityID string, attr Attribute) ([]byte, error) {
	comps := make([]any, 0, len(attr)+2)
	comps = append(comps, familyMetadata, entityID)
	for _, c := range attr {
		comps = append(comps, c)
	}
	return encodeKey(comps...)
}

// decodeRowKey reconstructs a TripleRow's entity/attribute/value/timestamp
// from one EAV, AVE, or clientTimestamp key, leaving Expired at its zero
// value (false) for the caller to fill in.
func decodeRowKey(comps []any) (TripleRow, error) {
	if len(comps) == 0 {
		return TripleRow{}, &IndexNotFoundError{Tag: "<empty>"}
	}
	tag, ok := comps[0].(string)
	if !ok {
		return TripleRow{}, &IndexNotFoundError{Tag: "<non-string>"}
	}

	switch tag {
	case familyEAV:
		if len(comps) != 5 {
			return TripleRow{}, &InternalInvariantError{Msg: "malformed EAV key"}
		}
		e, _ := comps[1].(string)
		a, _ := comps[2].(Attribute)
		t, err := attributeToTimestamp(comps[4])
		if err != nil {
			return TripleRow{}, err
		}
		return TripleRow{EntityID: e, Attribute: a, Value: comps[3], Timestamp: t}, nil

	case familyAVE:
		if len(comps) != 5 {
			return TripleRow{}, &InternalInvariantError{Msg: "malformed AVE key"}
		}
		a, _ := comps[1].(Attribute)
		e, _ := comps[3].(string)
		t, err := attributeToTimestamp(comps[4])
		if err != nil {
			return TripleRow{}, err
		}
		return TripleRow{EntityID: e, Attribute: a, Value: comps[2], Timestamp: t}, nil

	case familyClientTimestamp:
		if len(comps) != 6 {
			return TripleRow{}, &InternalInvariantError{Msg: "malformed clientTimestamp key"}
		}
		t, err := attributeToTimestamp(comps[2])
		if err != nil {
			return TripleRow{}, err
		}
		e, _ := comps[3].(string)
		a, _ := comps[4].(Attribute)
		return TripleRow{EntityID: e, Attribute: a, Value: comps[5], Timestamp: t}, nil

	default:
		return TripleRow{}, &IndexNotFoundError{Tag: tag}
	}
}

// decodeTripleRow reconstructs a TripleRow from one EAV, AVE, or
// clientTimestamp scan result, including its expired flag.
func decodeTripleRow(key, value []byte) (TripleRow, error) {
	comps, err := decodeKey(key)
	if err != nil {
		return TripleRow{}, err
	}
	row, err := decodeRowKey(comps)
	if err != nil {
		return TripleRow{}, err
	}
	row.Expired, err = decodeIndexValue(value)
	if err != nil {
		return TripleRow{}, err
	}
	return row, nil
}

// decodeTripleRowKeyOnly is decodeTripleRow without a value blob to read,
// for removed keys a write batch reports without their erased payload.
func decodeTripleRowKeyOnly(key []byte) (TripleRow, error) {
	comps, err := decodeKey(key)
	if err != nil {
		return TripleRow{}, err
	}
	return decodeRowKey(comps)
}

// decodeMetadataTuple reconstructs a MetadataTuple from a metadata-family
// scan result.
func decodeMetadataTuple(key, value []byte) (MetadataTuple, error) {
	comps, err := decodeKey(key)
	if err != nil {
		return MetadataTuple{}, err
	}
	if len(comps) < 2 {
		return MetadataTuple{}, &InternalInvariantError{Msg: "malformed metadata key"}
	}
	tag, _ := comps[0].(string)
	if tag != familyMetadata {
		return MetadataTuple{}, &IndexNotFoundError{Tag: tag}
	}
	e, _ := comps[1].(string)
	attr := Attribute(comps[2:])

	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return MetadataTuple{}, err
	}
	return MetadataTuple{EntityID: e, Attribute: attr, Value: v}, nil
}

// attributeToTimestamp converts the decoded 2-element array a Timestamp
// was encoded as back into a Timestamp.
func attributeToTimestamp(c any) (Timestamp, error) {
	attr, ok := c.(Attribute)
	if !ok || len(attr) != 2 {
		return Timestamp{}, &InternalInvariantError{Msg: "malformed timestamp key component"}
	}
	counter, ok := attr[0].(float64)
	if !ok {
		return Timestamp{}, &InternalInvariantError{Msg: "malformed timestamp counter"}
	}
	clientID, ok := attr[1].(string)
	if !ok {
		return Timestamp{}, &InternalInvariantError{Msg: "malformed timestamp client id"}
	}
	return Timestamp{Counter: uint64(counter), ClientID: clientID}, nil
}
