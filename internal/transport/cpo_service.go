package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/k2-platform/k23si/internal/dto"
)

// CPOServer is implemented by internal/cporaft.Server.
type CPOServer interface {
	HandleCollectionCreate(req dto.CollectionCreateRequest) dto.CollectionCreateResponse
	HandleCollectionGet(req dto.CollectionGetRequest) dto.CollectionGetResponse
	HandlePersistenceClusterGet(req dto.PersistenceClusterGetRequest) dto.PersistenceClusterGetResponse
}

const cpoServiceName = "k23si.CPO"

func cpoMethod(name string, handler func(srv interface{}, dec func(interface{}) error) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			if interceptor == nil {
				return handler(srv, dec)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + cpoServiceName + "/" + name}
			return interceptor(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
				return handler(srv, dec)
			})
		},
	}
}

// CPOServiceDesc is registered against a *grpc.Server with CPOServer as the
// implementing srv value.
var CPOServiceDesc = grpc.ServiceDesc{
	ServiceName: cpoServiceName,
	HandlerType: (*CPOServer)(nil),
	Methods: []grpc.MethodDesc{
		cpoMethod("CollectionCreate", func(srv interface{}, dec func(interface{}) error) (interface{}, error) {
			var req dto.CollectionCreateRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(CPOServer).HandleCollectionCreate(req)
			return &resp, nil
		}),
		cpoMethod("CollectionGet", func(srv interface{}, dec func(interface{}) error) (interface{}, error) {
			var req dto.CollectionGetRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(CPOServer).HandleCollectionGet(req)
			return &resp, nil
		}),
		cpoMethod("PersistenceClusterGet", func(srv interface{}, dec func(interface{}) error) (interface{}, error) {
			var req dto.PersistenceClusterGetRequest
			if err := dec(&req); err != nil {
				return nil, err
			}
			resp := srv.(CPOServer).HandlePersistenceClusterGet(req)
			return &resp, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "k23si/cpo.proto",
}

// RegisterCPOServer attaches srv to s under CPOServiceDesc.
func RegisterCPOServer(s *grpc.Server, srv CPOServer) {
	s.RegisterService(&CPOServiceDesc, srv)
}
