package transport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
)

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

func StartServer(port int, impl CommitterServer) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return NewServer(lis, impl), nil
}

// NewServer serves impl on an existing listener.
func NewServer(lis net.Listener, impl CommitterServer) *Server {
	s := &Server{
		grpc: grpc.NewServer(),
		lis:  lis,
	}
	RegisterCommitterServer(s.grpc, impl)
	return s
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
