package rpc

import (
	"testing"

	"google.golang.org/grpc/encoding"

	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

func TestCodecIsRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	testutil.AssertTrue(t, codec != nil, "codec must self-register on import")
	testutil.AssertEqual(t, CodecName, codec.Name())
}

func TestCodecRoundTrip(t *testing.T) {
	codec := encoding.GetCodec(CodecName)

	in := &AcquireRequest{
		ClientID:    "worker-1",
		Resource:    "orders/42",
		Mode:        types.ModeExclusive,
		Wait:        true,
		LeaseMillis: 15_000,
	}
	data, err := codec.Marshal(in)
	testutil.AssertNoError(t, err)

	out := new(AcquireRequest)
	testutil.AssertNoError(t, codec.Unmarshal(data, out))
	testutil.AssertEqual(t, in, out)
}

func TestCodecOmitsEmptyMeta(t *testing.T) {
	codec := encoding.GetCodec(CodecName)

	data, err := codec.Marshal(&AcquireResponse{Granted: true, Token: "tok"})
	testutil.AssertNoError(t, err)

	out := new(AcquireResponse)
	testutil.AssertNoError(t, codec.Unmarshal(data, out))
	testutil.AssertTrue(t, out.Meta.OK())
	testutil.AssertTrue(t, out.Granted)
	testutil.AssertEqual(t, "tok", out.Token)
}

func TestCodecUnmarshalRejectsGarbage(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	err := codec.Unmarshal([]byte("{not json"), new(ReleaseRequest))
	testutil.AssertError(t, err)
}

func TestCodecMarshalRejectsUnsupportedValue(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	_, err := codec.Marshal(make(chan int))
	testutil.AssertError(t, err)
}
