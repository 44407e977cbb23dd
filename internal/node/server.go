package node

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/protobuf/types/known/structpb"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/replica"
	"geoconflict/internal/storage"
)

// maxListLimit caps one ListConflicts page.
const maxListLimit = 1000

// Server implements the Region gRPC service over a simulated account.
type Server struct {
	account *storage.Account
	logger  *log.Logger
}

var _ RegionServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(account *storage.Account, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{account: account, logger: logger}
}

func (s *Server) region(req *structpb.Struct) (*storage.Region, error) {
	name := stringField(req, fieldRegion)
	if name == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "region is required")
	}
	r, err := s.account.Region(name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "", err)
	}
	return r, nil
}

// Create handles Create requests.
func (s *Server) Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	rec, err := requestRecord(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	s.logger.Printf("[%s] Create request: key=%s", r.Region(), rec.Key())

	res, err := r.Create(ctx, rec)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	return writeResultToStruct(res), nil
}

// Read handles Read requests. A session_token gates the read.
func (s *Server) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	tok, err := tokenField(req, fieldSessionToken)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}

	rec, err := r.Read(ctx, requestKey(req), replica.ReadOptions{SessionToken: tok})
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	return recordToStruct(rec), nil
}

// ReadCurrent handles ReadCurrent requests. Tombstones are returned.
func (s *Server) ReadCurrent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	rec, err := r.ReadCurrent(ctx, requestKey(req))
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	return recordToStruct(rec), nil
}

// Replace handles Replace requests.
func (s *Server) Replace(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	rec, err := requestRecord(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	ifMatch := stringField(req, fieldIfMatch)
	s.logger.Printf("[%s] Replace request: key=%s if_match=%s", r.Region(), rec.Key(), ifMatch)

	res, err := r.Replace(ctx, rec, ifMatch)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	return writeResultToStruct(res), nil
}

// Delete handles Delete requests.
func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	key := requestKey(req)
	s.logger.Printf("[%s] Delete request: key=%s", r.Region(), key)

	res, err := r.Delete(ctx, key)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	return writeResultToStruct(res), nil
}

// ListConflicts returns one page of the conflict feed, oldest first,
// starting after after_seq.
func (s *Server) ListConflicts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	if err := r.Ping(ctx); err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}

	limit := int(req.GetFields()[fieldLimit].GetNumberValue())
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	after, err := int64Field(req.GetFields(), fieldAfterSeq)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}

	page, err := s.account.Queue().List(ctx, after, limit)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(fmt.Errorf("list conflicts: %w", err))
	}
	values := make([]*structpb.Value, len(page))
	for i, c := range page {
		values[i] = structpb.NewStructValue(conflictToStruct(c))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldConflicts: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}, nil
}

// DeleteConflict handles DeleteConflict requests.
func (s *Server) DeleteConflict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.region(req)
	if err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	id := stringField(req, fieldConflictID)
	if id == "" {
		return nil, apperrors.ToGRPCStatus(apperrors.New(apperrors.CodeInvalidArgument, "conflict_id is required"))
	}
	if err := r.DeleteConflict(ctx, id); err != nil {
		return nil, apperrors.ToGRPCStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Describe reports the account's regions, policy and consistency.
func (s *Server) Describe(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	regions := s.account.Regions()
	names := make([]*structpb.Value, len(regions))
	for i, r := range regions {
		names[i] = structpb.NewStringValue(r.Region())
	}
	consistency := replica.Eventual
	if len(regions) > 0 {
		consistency = regions[0].Consistency()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRegions:     structpb.NewListValue(&structpb.ListValue{Values: names}),
		fieldPolicy:      structpb.NewStringValue(s.account.Policy().String()),
		fieldConsistency: structpb.NewStringValue(consistency.String()),
	}}, nil
}
