package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frankonly/auditchain/audit"
	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/crypto"
)

// Client calls the AuditChain service
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to endpoint, with TLS if secure is set
func Dial(endpoint string, secure bool, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Hash uploads r in chunks and returns the recorded hash block
func (c *Client) Hash(ctx context.Context, r io.Reader, filename string) (audit.HashResult, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, FilenameKey, filename)

	var res audit.HashResult
	err := c.upload(ctx, "Hash", hashMethod, r, &res)
	return res, err
}

// Verify uploads r and checks it against storedHash on the server
func (c *Client) Verify(ctx context.Context, r io.Reader, filename, storedHash string) (audit.VerifyResult, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, FilenameKey, filename, StoredHashKey, storedHash)

	var res audit.VerifyResult
	err := c.upload(ctx, "Verify", verifyMethod, r, &res)
	return res, err
}

func (c *Client) upload(ctx context.Context, name, method string, r io.Reader, out interface{}) error {
	desc := &grpc.StreamDesc{StreamName: name, ClientStreams: true}
	cs, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return err
	}
	stream := &grpc.GenericClientStream[wrapperspb.BytesValue, structpb.Struct]{ClientStream: cs}

	buf := make([]byte, crypto.ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// a stream closed by the server reports its status from CloseAndRecv
			if sendErr := stream.Send(wrapperspb.Bytes(buf[:n])); sendErr != nil {
				if errors.Is(sendErr, io.EOF) {
					break
				}
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cs.CloseSend()
			return fmt.Errorf("%w: %w", crypto.ErrIO, err)
		}
	}

	msg, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}

	return FromStruct(msg, out)
}

// Append records a block with the given operation tag
func (c *Client) Append(ctx context.Context, operation, filename, result string) (chain.Block, error) {
	in, err := ToStruct(AppendRequest{Operation: operation, Filename: filename, Result: result})
	if err != nil {
		return chain.Block{}, err
	}

	var b chain.Block
	err = c.invokeStruct(ctx, appendMethod, in, &b)
	return b, err
}

func (c *Client) Get(ctx context.Context, index uint64) (chain.Block, error) {
	var b chain.Block
	err := c.invokeStruct(ctx, getMethod, wrapperspb.UInt64(index), &b)
	return b, err
}

func (c *Client) Search(ctx context.Context, hash string) (chain.Block, error) {
	var b chain.Block
	err := c.invokeStruct(ctx, searchMethod, wrapperspb.String(hash), &b)
	return b, err
}

// Blocks streams the whole chain in index order
func (c *Client) Blocks(ctx context.Context) ([]chain.Block, error) {
	desc := &grpc.StreamDesc{StreamName: "Blocks", ServerStreams: true}
	cs, err := c.conn.NewStream(ctx, desc, blocksMethod)
	if err != nil {
		return nil, err
	}

	stream := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var blocks []chain.Block
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}

		var b chain.Block
		if err := FromStruct(msg, &b); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

func (c *Client) Validate(ctx context.Context) (chain.Report, error) {
	var report chain.Report
	err := c.invokeStruct(ctx, validateMethod, &emptypb.Empty{}, &report)
	return report, err
}

func (c *Client) Root(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, rootMethod, &emptypb.Empty{}, out); err != nil {
		return "", err
	}

	return out.GetValue(), nil
}

func (c *Client) Proof(ctx context.Context, index uint64) (audit.Proof, error) {
	var proof audit.Proof
	err := c.invokeStruct(ctx, proofMethod, wrapperspb.UInt64(index), &proof)
	return proof, err
}

// VerifyInclusion asks the server to check req
func (c *Client) VerifyInclusion(ctx context.Context, req audit.InclusionRequest) (bool, error) {
	in, err := ToStruct(req)
	if err != nil {
		return false, err
	}

	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, verifyInclusionMethod, in, out); err != nil {
		return false, err
	}

	return out.GetValue(), nil
}

func (c *Client) invokeStruct(ctx context.Context, method string, in interface{}, v interface{}) error {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return err
	}

	return FromStruct(out, v)
}
