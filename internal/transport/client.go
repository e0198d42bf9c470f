package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial connects to a plugin. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, *CommitterClient, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, NewCommitterClient(cc), nil
}
