package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/k2-platform/k23si/internal/dto"
)

// PartitionServer is implemented by internal/partition.Module: every verb
// the wire protocol exposes, spec.md section 4.
type PartitionServer interface {
	HandleRead(ctx context.Context, req dto.ReadRequest) dto.ReadResponse
	HandleQuery(ctx context.Context, req dto.QueryRequest) dto.QueryResponse
	HandleWrite(ctx context.Context, req dto.WriteRequest) dto.WriteResponse
	HandleTxnPush(req dto.TxnPushRequest) dto.TxnPushResponse
	HandleTxnEnd(ctx context.Context, req dto.TxnEndRequest) dto.TxnEndResponse
	HandleTxnFinalize(req dto.TxnFinalizeRequest) dto.TxnFinalizeResponse
	HandleTxnHeartbeat(req dto.TxnHeartbeatRequest) dto.TxnHeartbeatResponse
	HandlePushSchema(req dto.PushSchemaRequest) dto.PushSchemaResponse
	HandleInspectRecords(req dto.InspectRecordsRequest) dto.InspectRecordsResponse
	HandleInspectTxn(req dto.InspectTxnRequest) dto.InspectTxnResponse
	HandleInspectWIs(req dto.InspectWIsRequest) dto.InspectWIsResponse
	HandleInspectAllTxns(req dto.InspectAllTxnsRequest) dto.InspectAllTxnsResponse
	HandleInspectAllKeys(req dto.InspectAllKeysRequest) dto.InspectAllKeysResponse
}

const partitionServiceName = "k23si.Partition"

func partitionMethod(name string, handler func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			if interceptor == nil {
				return handler(srv, ctx, dec)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + partitionServiceName + "/" + name}
			return interceptor(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
				return handler(srv, ctx, dec)
			})
		},
	}
}

// PartitionServiceDesc is registered against a *grpc.Server with
// PartitionServer as the implementing srv value.
var PartitionServiceDesc = grpc.ServiceDesc{
	ServiceName: partitionServiceName,
	HandlerType: (*PartitionServer)(nil),
	Methods: []grpc.MethodDesc{
		partitionMethod("Read", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.ReadRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleRead(ctx, req)
			return &resp, nil
		}),
		partitionMethod("Query", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.QueryRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleQuery(ctx, req)
			return &resp, nil
		}),
		partitionMethod("Write", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.WriteRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleWrite(ctx, req)
			return &resp, nil
		}),
		partitionMethod("TxnPush", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.TxnPushRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleTxnPush(req)
			return &resp, nil
		}),
		partitionMethod("TxnEnd", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.TxnEndRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleTxnEnd(ctx, req)
			return &resp, nil
		}),
		partitionMethod("TxnFinalize", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.TxnFinalizeRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleTxnFinalize(req)
			return &resp, nil
		}),
		partitionMethod("TxnHeartbeat", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.TxnHeartbeatRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleTxnHeartbeat(req)
			return &resp, nil
		}),
		partitionMethod("PushSchema", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.PushSchemaRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandlePushSchema(req)
			return &resp, nil
		}),
		partitionMethod("InspectRecords", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.InspectRecordsRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleInspectRecords(req)
			return &resp, nil
		}),
		partitionMethod("InspectTxn", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.InspectTxnRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleInspectTxn(req)
			return &resp, nil
		}),
		partitionMethod("InspectWIs", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.InspectWIsRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleInspectWIs(req)
			return &resp, nil
		}),
		partitionMethod("InspectAllTxns", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.InspectAllTxnsRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleInspectAllTxns(req)
			return &resp, nil
		}),
		partitionMethod("InspectAllKeys", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			var req dto.InspectAllKeysRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(PartitionServer).HandleInspectAllKeys(req)
			return &resp, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "k23si/partition.proto",
}

// RegisterPartitionServer attaches srv to s under PartitionServiceDesc.
func RegisterPartitionServer(s *grpc.Server, srv PartitionServer) {
	s.RegisterService(&PartitionServiceDesc, srv)
}

// PartitionClient calls a remote partition's verbs over a shared
// *grpc.ClientConn, using the "json" codec registered in codec.go. It
// implements internal/partition.RemoteCaller.
type PartitionClient struct {
	conn *grpc.ClientConn
}

func NewPartitionClient(conn *grpc.ClientConn) *PartitionClient {
	return &PartitionClient{conn: conn}
}

func (c *PartitionClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, "/"+partitionServiceName+"/"+method, req, resp, grpc.CallContentSubtype(jsonCodecName))
}

func (c *PartitionClient) Push(ctx context.Context, _ string, req dto.TxnPushRequest) (dto.TxnPushResponse, error) {
	var resp dto.TxnPushResponse
	err := c.invoke(ctx, "TxnPush", &req, &resp)
	return resp, err
}

func (c *PartitionClient) Finalize(ctx context.Context, _ string, req dto.TxnFinalizeRequest) (dto.TxnFinalizeResponse, error) {
	var resp dto.TxnFinalizeResponse
	err := c.invoke(ctx, "TxnFinalize", &req, &resp)
	return resp, err
}

func (c *PartitionClient) Read(ctx context.Context, req dto.ReadRequest) (dto.ReadResponse, error) {
	var resp dto.ReadResponse
	err := c.invoke(ctx, "Read", &req, &resp)
	return resp, err
}

func (c *PartitionClient) Query(ctx context.Context, req dto.QueryRequest) (dto.QueryResponse, error) {
	var resp dto.QueryResponse
	err := c.invoke(ctx, "Query", &req, &resp)
	return resp, err
}

func (c *PartitionClient) Write(ctx context.Context, req dto.WriteRequest) (dto.WriteResponse, error) {
	var resp dto.WriteResponse
	err := c.invoke(ctx, "Write", &req, &resp)
	return resp, err
}

func (c *PartitionClient) TxnEnd(ctx context.Context, req dto.TxnEndRequest) (dto.TxnEndResponse, error) {
	var resp dto.TxnEndResponse
	err := c.invoke(ctx, "TxnEnd", &req, &resp)
	return resp, err
}

func (c *PartitionClient) TxnHeartbeat(ctx context.Context, req dto.TxnHeartbeatRequest) (dto.TxnHeartbeatResponse, error) {
	var resp dto.TxnHeartbeatResponse
	err := c.invoke(ctx, "TxnHeartbeat", &req, &resp)
	return resp, err
}

func (c *PartitionClient) PushSchema(ctx context.Context, req dto.PushSchemaRequest) (dto.PushSchemaResponse, error) {
	var resp dto.PushSchemaResponse
	err := c.invoke(ctx, "PushSchema", &req, &resp)
	return resp, err
}

func (c *PartitionClient) InspectRecords(ctx context.Context, req dto.InspectRecordsRequest) (dto.InspectRecordsResponse, error) {
	var resp dto.InspectRecordsResponse
	err := c.invoke(ctx, "InspectRecords", &req, &resp)
	return resp, err
}

func (c *PartitionClient) InspectTxn(ctx context.Context, req dto.InspectTxnRequest) (dto.InspectTxnResponse, error) {
	var resp dto.InspectTxnResponse
	err := c.invoke(ctx, "InspectTxn", &req, &resp)
	return resp, err
}

func (c *PartitionClient) InspectWIs(ctx context.Context, req dto.InspectWIsRequest) (dto.InspectWIsResponse, error) {
	var resp dto.InspectWIsResponse
	err := c.invoke(ctx, "InspectWIs", &req, &resp)
	return resp, err
}

func (c *PartitionClient) InspectAllTxns(ctx context.Context, req dto.InspectAllTxnsRequest) (dto.InspectAllTxnsResponse, error) {
	var resp dto.InspectAllTxnsResponse
	err := c.invoke(ctx, "InspectAllTxns", &req, &resp)
	return resp, err
}

func (c *PartitionClient) InspectAllKeys(ctx context.Context, req dto.InspectAllKeysRequest) (dto.InspectAllKeysResponse, error) {
	var resp dto.InspectAllKeysResponse
	err := c.invoke(ctx, "InspectAllKeys", &req, &resp)
	return resp, err
}
