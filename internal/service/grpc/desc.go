package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "giftsched.v1.GiftScheduling"

const (
	MethodSchedule          = "Schedule"
	MethodCancel            = "Cancel"
	MethodUpdateSchedule    = "UpdateSchedule"
	MethodListSchedules     = "ListSchedules"
	MethodGetUserDeliveries = "GetUserDeliveries"
	MethodListDeliveries    = "ListDeliveries"
	MethodListHistory       = "ListHistory"
	MethodRetryJob          = "RetryJob"
	MethodDeleteJob         = "DeleteJob"
	MethodRetryFailedJobs   = "RetryFailedJobs"
	MethodQueueStats        = "QueueStats"
	MethodSystemStatus      = "SystemStatus"
	MethodAddInventory      = "AddInventory"
)

// FullMethod возвращает путь метода для Invoke и интерцепторов.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// GiftSchedulingServer — контракт сервиса. Запросы и ответы передаются как google.protobuf.Struct со snake_case ключами.
type GiftSchedulingServer interface {
	Schedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateSchedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSchedules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUserDeliveries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDeliveries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryFailedJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SystemStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddInventory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(GiftSchedulingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(GiftSchedulingServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc описывает сервис для grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GiftSchedulingServer)(nil),
	Methods: []grpc.MethodDesc{
		handler(MethodSchedule, GiftSchedulingServer.Schedule),
		handler(MethodCancel, GiftSchedulingServer.Cancel),
		handler(MethodUpdateSchedule, GiftSchedulingServer.UpdateSchedule),
		handler(MethodListSchedules, GiftSchedulingServer.ListSchedules),
		handler(MethodGetUserDeliveries, GiftSchedulingServer.GetUserDeliveries),
		handler(MethodListDeliveries, GiftSchedulingServer.ListDeliveries),
		handler(MethodListHistory, GiftSchedulingServer.ListHistory),
		handler(MethodRetryJob, GiftSchedulingServer.RetryJob),
		handler(MethodDeleteJob, GiftSchedulingServer.DeleteJob),
		handler(MethodRetryFailedJobs, GiftSchedulingServer.RetryFailedJobs),
		handler(MethodQueueStats, GiftSchedulingServer.QueueStats),
		handler(MethodSystemStatus, GiftSchedulingServer.SystemStatus),
		handler(MethodAddInventory, GiftSchedulingServer.AddInventory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "giftsched/v1/gift_scheduling.proto",
}

// RegisterGiftSchedulingServer регистрирует реализацию на сервере.
func RegisterGiftSchedulingServer(s grpc.ServiceRegistrar, srv GiftSchedulingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client — тонкий клиент поверх соединения.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента сервиса.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call вызывает метод сервиса с произвольными полями запроса.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
