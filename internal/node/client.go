package node

import (
	"context"
	"fmt"
	"iter"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
)

// Client is a connection to a geostore node.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the node at addr. Extra options are appended to the
// defaults (insecure transport, otelgrpc stats handler).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Description is the account layout a node serves.
type Description struct {
	Regions     []string
	Policy      resolve.Policy
	Consistency replica.Consistency
}

// Describe fetches the account layout.
func (c *Client) Describe(ctx context.Context) (Description, error) {
	resp, err := c.invoke(ctx, MethodDescribe, &structpb.Struct{})
	if err != nil {
		return Description{}, err
	}
	var d Description
	for _, v := range resp.GetFields()[fieldRegions].GetListValue().GetValues() {
		d.Regions = append(d.Regions, v.GetStringValue())
	}
	if d.Policy, err = resolve.ParsePolicy(stringField(resp, fieldPolicy)); err != nil {
		return Description{}, err
	}
	if d.Consistency, err = replica.ParseConsistency(stringField(resp, fieldConsistency)); err != nil {
		return Description{}, err
	}
	return d, nil
}

// Endpoints returns one remote endpoint per region the node serves.
func (c *Client) Endpoints(ctx context.Context) ([]*RemoteEndpoint, error) {
	d, err := c.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	out := make([]*RemoteEndpoint, len(d.Regions))
	for i, region := range d.Regions {
		out[i] = c.Endpoint(region, d.Consistency)
	}
	return out, nil
}

// Endpoint returns a handle to one region of the node.
func (c *Client) Endpoint(region string, consistency replica.Consistency) *RemoteEndpoint {
	return &RemoteEndpoint{client: c, region: region, consistency: consistency}
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	return resp, nil
}

// RemoteEndpoint is a region served by a geostore node. It implements
// replica.FeedEndpoint and classifies errors like a local region.
type RemoteEndpoint struct {
	client      *Client
	region      string
	consistency replica.Consistency
}

var _ replica.FeedEndpoint = (*RemoteEndpoint)(nil)

// Region implements replica.Endpoint.
func (e *RemoteEndpoint) Region() string { return e.region }

// Consistency implements replica.Endpoint.
func (e *RemoteEndpoint) Consistency() replica.Consistency { return e.consistency }

func (e *RemoteEndpoint) request(fields map[string]*structpb.Value) *structpb.Struct {
	if fields == nil {
		fields = make(map[string]*structpb.Value)
	}
	fields[fieldRegion] = structpb.NewStringValue(e.region)
	return &structpb.Struct{Fields: fields}
}

func (e *RemoteEndpoint) write(ctx context.Context, method string, fields map[string]*structpb.Value) (replica.WriteResult, error) {
	resp, err := e.client.invoke(ctx, method, e.request(fields))
	if err != nil {
		return replica.WriteResult{}, err
	}
	return writeResultFromStruct(resp)
}

// Create implements replica.Endpoint.
func (e *RemoteEndpoint) Create(ctx context.Context, rec record.Record) (replica.WriteResult, error) {
	return e.write(ctx, MethodCreate, map[string]*structpb.Value{
		fieldRecord: structpb.NewStructValue(recordToStruct(rec)),
	})
}

// Read implements replica.Endpoint.
func (e *RemoteEndpoint) Read(ctx context.Context, key record.Key, opts replica.ReadOptions) (record.Record, error) {
	fields := keyFields(key)
	fields[fieldSessionToken] = structpb.NewStringValue(opts.SessionToken.Encode())
	resp, err := e.client.invoke(ctx, MethodRead, e.request(fields))
	if err != nil {
		return record.Record{}, err
	}
	return recordFromStruct(resp)
}

// Replace implements replica.Endpoint.
func (e *RemoteEndpoint) Replace(ctx context.Context, rec record.Record, ifMatch string) (replica.WriteResult, error) {
	return e.write(ctx, MethodReplace, map[string]*structpb.Value{
		fieldRecord:  structpb.NewStructValue(recordToStruct(rec)),
		fieldIfMatch: structpb.NewStringValue(ifMatch),
	})
}

// Delete implements replica.Endpoint.
func (e *RemoteEndpoint) Delete(ctx context.Context, key record.Key) (replica.WriteResult, error) {
	return e.write(ctx, MethodDelete, keyFields(key))
}

// Ping asks the node's health service whether the region is serving.
func (e *RemoteEndpoint) Ping(ctx context.Context) error {
	resp, err := e.client.health.Check(ctx, &healthpb.HealthCheckRequest{Service: e.region})
	if err != nil {
		return apperrors.FromGRPC(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return apperrors.New(apperrors.CodeUnavailable,
			fmt.Sprintf("region %s is %s", e.region, resp.GetStatus()))
	}
	return nil
}

// ReadCurrent implements replica.ConflictFeed.
func (e *RemoteEndpoint) ReadCurrent(ctx context.Context, key record.Key) (record.Record, error) {
	resp, err := e.client.invoke(ctx, MethodReadCurrent, e.request(keyFields(key)))
	if err != nil {
		return record.Record{}, err
	}
	return recordFromStruct(resp)
}

// Conflicts implements replica.ConflictFeed.
func (e *RemoteEndpoint) Conflicts(ctx context.Context, pageSize int) iter.Seq2[record.Conflict, error] {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(record.Conflict, error) bool) {
		var after int64
		for {
			resp, err := e.client.invoke(ctx, MethodListConflicts, e.request(map[string]*structpb.Value{
				fieldAfterSeq: int64Value(after),
				fieldLimit:    structpb.NewNumberValue(float64(pageSize)),
			}))
			if err != nil {
				yield(record.Conflict{}, fmt.Errorf("list conflicts after %d: %w", after, err))
				return
			}
			page := resp.GetFields()[fieldConflicts].GetListValue().GetValues()
			for _, v := range page {
				c, err := conflictFromStruct(v.GetStructValue())
				if err != nil {
					yield(record.Conflict{}, err)
					return
				}
				if !yield(c, nil) {
					return
				}
				after = c.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// DeleteConflict implements replica.ConflictFeed.
func (e *RemoteEndpoint) DeleteConflict(ctx context.Context, id string) error {
	_, err := e.client.invoke(ctx, MethodDeleteConflict, e.request(map[string]*structpb.Value{
		fieldConflictID: structpb.NewStringValue(id),
	}))
	return err
}
