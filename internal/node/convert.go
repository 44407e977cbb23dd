package node

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/token"
)

// Field names of Region service messages.
const (
	fieldRegion           = "region"
	fieldRecord           = "record"
	fieldPartitionKey     = "partition_key"
	fieldID               = "id"
	fieldIfMatch          = "if_match"
	fieldSessionToken     = "session_token"
	fieldReplicationToken = "replication_token"
	fieldAfterSeq         = "after_seq"
	fieldLimit            = "limit"
	fieldConflicts        = "conflicts"
	fieldConflictID       = "conflict_id"
	fieldRegions          = "regions"
	fieldPolicy           = "policy"
	fieldConsistency      = "consistency"
)

// int64 fields travel as decimal strings; a struct number is a float64 and
// drops precision above 2^53.
func int64Value(n int64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(n, 10))
}

func int64Field(fields map[string]*structpb.Value, name string) (int64, error) {
	v := fields[name].GetStringValue()
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, name, err)
	}
	return n, nil
}

// recordToStruct converts a record to its wire form.
func recordToStruct(rec record.Record) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":             structpb.NewStringValue(rec.ID),
		"partition_key":  structpb.NewStringValue(rec.PartitionKey),
		"ordering_value": int64Value(rec.OrderingValue),
		"origin_region":  structpb.NewStringValue(rec.OriginRegion),
		"name":           structpb.NewStringValue(rec.Name),
		"city":           structpb.NewStringValue(rec.City),
		"postal_code":    structpb.NewStringValue(rec.PostalCode),
		"version_token":  structpb.NewStringValue(rec.VersionToken),
		"deleted":        structpb.NewBoolValue(rec.Deleted),
	}}
}

// recordFromStruct is the inverse of recordToStruct.
func recordFromStruct(s *structpb.Struct) (record.Record, error) {
	f := s.GetFields()
	ordering, err := int64Field(f, "ordering_value")
	if err != nil {
		return record.Record{}, err
	}
	return record.Record{
		ID:            f["id"].GetStringValue(),
		PartitionKey:  f["partition_key"].GetStringValue(),
		OrderingValue: ordering,
		OriginRegion:  f["origin_region"].GetStringValue(),
		Name:          f["name"].GetStringValue(),
		City:          f["city"].GetStringValue(),
		PostalCode:    f["postal_code"].GetStringValue(),
		VersionToken:  f["version_token"].GetStringValue(),
		Deleted:       f["deleted"].GetBoolValue(),
	}, nil
}

func conflictToStruct(c record.Conflict) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(c.ID),
		"seq":         int64Value(c.Seq),
		"kind":        structpb.NewStringValue(c.Kind.String()),
		"content":     structpb.NewStructValue(recordToStruct(c.Content)),
		"detected_in": structpb.NewStringValue(c.DetectedIn),
	}}
}

func conflictFromStruct(s *structpb.Struct) (record.Conflict, error) {
	f := s.GetFields()
	kind, err := record.ParseOperationKind(f["kind"].GetStringValue())
	if err != nil {
		return record.Conflict{}, err
	}
	seq, err := int64Field(f, "seq")
	if err != nil {
		return record.Conflict{}, err
	}
	content, err := recordFromStruct(f["content"].GetStructValue())
	if err != nil {
		return record.Conflict{}, err
	}
	return record.Conflict{
		ID:         f["id"].GetStringValue(),
		Seq:        seq,
		Kind:       kind,
		Content:    content,
		DetectedIn: f["detected_in"].GetStringValue(),
	}, nil
}

// requestRecord extracts the record field of a request.
func requestRecord(req *structpb.Struct) (record.Record, error) {
	s := req.GetFields()[fieldRecord].GetStructValue()
	if s == nil {
		return record.Record{}, apperrors.New(apperrors.CodeInvalidArgument, "record is required")
	}
	return recordFromStruct(s)
}

func requestKey(req *structpb.Struct) record.Key {
	return record.Key{
		PartitionKey: stringField(req, fieldPartitionKey),
		ID:           stringField(req, fieldID),
	}
}

func keyFields(key record.Key) map[string]*structpb.Value {
	return map[string]*structpb.Value{
		fieldPartitionKey: structpb.NewStringValue(key.PartitionKey),
		fieldID:           structpb.NewStringValue(key.ID),
	}
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func tokenField(s *structpb.Struct, name string) (token.Token, error) {
	tok, err := token.Decode(stringField(s, name))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, name, err)
	}
	return tok, nil
}

// writeResultToStruct is the response of every write method.
func writeResultToStruct(res replica.WriteResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRecord:           structpb.NewStructValue(recordToStruct(res.Record)),
		fieldReplicationToken: structpb.NewStringValue(res.ReplicationToken.Encode()),
	}}
}

func writeResultFromStruct(s *structpb.Struct) (replica.WriteResult, error) {
	tok, err := tokenField(s, fieldReplicationToken)
	if err != nil {
		return replica.WriteResult{}, err
	}
	rec := s.GetFields()[fieldRecord].GetStructValue()
	if rec == nil {
		return replica.WriteResult{}, fmt.Errorf("write response carries no record")
	}
	r, err := recordFromStruct(rec)
	if err != nil {
		return replica.WriteResult{}, err
	}
	return replica.WriteResult{Record: r, ReplicationToken: tok}, nil
}
