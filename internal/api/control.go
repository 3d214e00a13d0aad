// Package api exposes the messaging core to local clients over gRPC. The
// service contract is proto/parley/v1/control.proto; its descriptor is
// written out here by hand since every request and response is a
// google.protobuf.Struct.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "parley.v1.Control"

// ControlServer is implemented by Control.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetOnline(context.Context, *structpb.Struct) (*structpb.Struct, error)

	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendEncryptedMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendGroupMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddReaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveReaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UploadAttachment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DownloadAttachment(context.Context, *structpb.Struct) (*structpb.Struct, error)

	LoadChatList(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TogglePin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToggleArchive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToggleMute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseChat(context.Context, *structpb.Struct) (*structpb.Struct, error)

	VerifyQRCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MyVerificationCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListVerified(context.Context, *structpb.Struct) (*structpb.Struct, error)

	SyncNow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

// Control groups the per-area services into one ControlServer.
type Control struct {
	*SessionService
	*MessageService
	*ChatService
	*TrustService
	*SyncService
}

// Register adds the control service to s.
func Register(s *grpc.Server, c ControlServer) {
	s.RegisterService(&ServiceDesc, c)
}

// ServiceDesc describes parley.v1.Control.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("SignIn", ControlServer.SignIn),
		unary("SignOut", ControlServer.SignOut),
		unary("SetOnline", ControlServer.SetOnline),
		unary("SendMessage", ControlServer.SendMessage),
		unary("SendEncryptedMessage", ControlServer.SendEncryptedMessage),
		unary("SendGroupMessage", ControlServer.SendGroupMessage),
		unary("AddReaction", ControlServer.AddReaction),
		unary("RemoveReaction", ControlServer.RemoveReaction),
		unary("RetryMessage", ControlServer.RetryMessage),
		unary("CancelMessage", ControlServer.CancelMessage),
		unary("ListPending", ControlServer.ListPending),
		unary("LoadMessages", ControlServer.LoadMessages),
		unary("UploadAttachment", ControlServer.UploadAttachment),
		unary("DownloadAttachment", ControlServer.DownloadAttachment),
		unary("LoadChatList", ControlServer.LoadChatList),
		unary("TogglePin", ControlServer.TogglePin),
		unary("ToggleArchive", ControlServer.ToggleArchive),
		unary("ToggleMute", ControlServer.ToggleMute),
		unary("OpenChat", ControlServer.OpenChat),
		unary("CloseChat", ControlServer.CloseChat),
		unary("VerifyQRCode", ControlServer.VerifyQRCode),
		unary("MyVerificationCode", ControlServer.MyVerificationCode),
		unary("ListVerified", ControlServer.ListVerified),
		unary("SyncNow", ControlServer.SyncNow),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "parley/v1/control.proto",
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}
