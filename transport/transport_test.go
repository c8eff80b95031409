package transport

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenstream/rtspclient/auth"
	"github.com/lumenstream/rtspclient/internal/testutil"
	"github.com/lumenstream/rtspclient/message"
	"github.com/lumenstream/rtspclient/rtspurl"
)

func dialFakeServer(t *testing.T, fs *testutil.FakeServer, creds *auth.Credentials) *Transport {
	t.Helper()
	addr := fs.Addr().String()
	u, err := rtspurl.Parse("rtsp://" + addr + "/stream")
	require.NoError(t, err)

	tr := New(creds, nil)
	require.NoError(t, tr.Dial(context.Background(), u))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestDoReturnsMatchingResponseByCSeq(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	fs.OnMethod("OPTIONS", func(cseq string, headers map[string]string) string {
		return "RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nPublic: OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN\r\nContent-Length: 0\r\n\r\n"
	})

	tr := dialFakeServer(t, fs, nil)
	resp, err := tr.Do(context.Background(), message.NewRequest(message.OPTIONS, "rtsp://x/stream"), "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Header.GetDefault("Public", ""), "DESCRIBE")
}

func TestDoReadsBodyByContentLength(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	body := "v=0\r\ns=stream\r\n"
	fs.OnMethod("DESCRIBE", func(cseq string, headers map[string]string) string {
		return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %s\r\nContent-Type: application/sdp\r\nContent-Length: %d\r\n\r\n%s", cseq, len(body), body)
	})

	tr := dialFakeServer(t, fs, nil)
	resp, err := tr.Do(context.Background(), message.NewRequest(message.DESCRIBE, "rtsp://x/stream"), "")
	require.NoError(t, err)
	assert.Equal(t, body, string(resp.Body))
}

func TestDoRetriesOnceWithDigestAuthAfter401(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	attempt := 0
	fs.OnMethod("DESCRIBE", func(cseq string, headers map[string]string) string {
		attempt++
		if attempt == 1 {
			return "RTSP/1.0 401 Unauthorized\r\nCSeq: " + cseq + "\r\nWWW-Authenticate: Digest realm=\"cam\", nonce=\"abc123\", qop=\"auth\"\r\nContent-Length: 0\r\n\r\n"
		}
		if _, ok := headers["authorization"]; !ok {
			return "RTSP/1.0 401 Unauthorized\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n"
		}
		return "RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n"
	})

	tr := dialFakeServer(t, fs, &auth.Credentials{Username: "admin", Password: "secret"})
	resp, err := tr.Do(context.Background(), message.NewRequest(message.DESCRIBE, "rtsp://x/stream"), "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 2, attempt)
}

func TestDoFailsAuthWithoutCredentials(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	fs.OnMethod("DESCRIBE", func(cseq string, headers map[string]string) string {
		return "RTSP/1.0 401 Unauthorized\r\nCSeq: " + cseq + "\r\nWWW-Authenticate: Digest realm=\"cam\", nonce=\"abc\", qop=\"auth\"\r\nContent-Length: 0\r\n\r\n"
	})

	tr := dialFakeServer(t, fs, nil)
	_, err = tr.Do(context.Background(), message.NewRequest(message.DESCRIBE, "rtsp://x/stream"), "")
	assert.Error(t, err)
}

func TestDoFailsWhenPeerDisconnectsWithoutResponse(t *testing.T) {
	hl, err := testutil.ListenHostile(testutil.AbruptDisconnect)
	require.NoError(t, err)
	defer hl.Close()

	u, err := rtspurl.Parse("rtsp://" + hl.Addr().String() + "/stream")
	require.NoError(t, err)
	tr := New(nil, nil)
	require.NoError(t, tr.Dial(context.Background(), u))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = tr.Do(ctx, message.NewRequest(message.OPTIONS, "rtsp://x/stream"), "")
	assert.Error(t, err)
}

func TestInterleavedFrameRoutesToRegisteredSink(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	received := make(chan []byte, 1)

	fs.OnMethod("PLAY", func(cseq string, headers map[string]string) string {
		return "RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n$\x00\x00\x03abc"
	})

	tr := dialFakeServer(t, fs, nil)
	tr.RegisterSink(0, sinkFunc(func(channel uint8, payload []byte) {
		received <- payload
	}))

	_, err = tr.Do(context.Background(), message.NewRequest(message.PLAY, "rtsp://x/stream"), "")
	require.NoError(t, err)

	select {
	case payload := <-received:
		assert.Equal(t, []byte("abc"), payload)
	case <-time.After(time.Second):
		t.Fatal("expected an interleaved frame to route to the sink")
	}
}

func TestInterleavedRaceHundredFramesArriveInOrderAroundPendingResponse(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	const frameCount = 100

	fs.OnMethod("GET_PARAMETER", func(cseq string, headers map[string]string) string {
		var b bytes.Buffer
		// Half the frames arrive ahead of the response, half after, to
		// exercise both "frames before the response bytes" and "frames
		// after the response bytes" interleaving.
		for i := 0; i < frameCount/2; i++ {
			writeInterleavedFrame(&b, 0, byte(i))
		}
		b.WriteString("RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n")
		for i := frameCount / 2; i < frameCount; i++ {
			writeInterleavedFrame(&b, 0, byte(i))
		}
		return b.String()
	})

	tr := dialFakeServer(t, fs, nil)

	received := make(chan []byte, frameCount)
	tr.RegisterSink(0, sinkFunc(func(channel uint8, payload []byte) {
		received <- payload
	}))

	resp, err := tr.Do(context.Background(), message.NewRequest(message.GET_PARAMETER, "rtsp://x/stream"), "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	for i := 0; i < frameCount; i++ {
		select {
		case payload := <-received:
			require.Len(t, payload, 1)
			assert.Equal(t, byte(i), payload[0], "frame %d arrived out of order", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i, frameCount)
		}
	}
}

func writeInterleavedFrame(b *bytes.Buffer, channel uint8, tag byte) {
	b.WriteByte('$')
	b.WriteByte(channel)
	b.WriteByte(0)
	b.WriteByte(1)
	b.WriteByte(tag)
}

func TestInterleavedFrameForUnregisteredChannelIsDroppedSilently(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	fs.OnMethod("PLAY", func(cseq string, headers map[string]string) string {
		return "RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n$\x05\x00\x03xyz"
	})
	fs.OnMethod("OPTIONS", func(cseq string, headers map[string]string) string {
		return "RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n"
	})

	tr := dialFakeServer(t, fs, nil)
	_, err = tr.Do(context.Background(), message.NewRequest(message.PLAY, "rtsp://x/stream"), "")
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), message.NewRequest(message.OPTIONS, "rtsp://x/stream"), "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestTransportToleratesSlowByteAtATimeResponse(t *testing.T) {
	hl, err := testutil.ListenHostile(testutil.SlowByteAtATime)
	require.NoError(t, err)
	defer hl.Close()

	u, err := rtspurl.Parse("rtsp://" + hl.Addr().String() + "/stream")
	require.NoError(t, err)
	tr := New(nil, nil)
	require.NoError(t, tr.Dial(context.Background(), u))
	defer tr.Close()

	resp, err := tr.Do(context.Background(), message.NewRequest(message.OPTIONS, "rtsp://x/stream"), "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestTransportFailsCleanlyOnIncompleteHeaders(t *testing.T) {
	hl, err := testutil.ListenHostile(testutil.IncompleteHeaders)
	require.NoError(t, err)
	defer hl.Close()

	u, err := rtspurl.Parse("rtsp://" + hl.Addr().String() + "/stream")
	require.NoError(t, err)
	tr := New(nil, nil)
	require.NoError(t, tr.Dial(context.Background(), u))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.Do(ctx, message.NewRequest(message.OPTIONS, "rtsp://x/stream"), "")
	assert.Error(t, err)
}

func TestTransportFailsCleanlyOnInvalidStatusLine(t *testing.T) {
	hl, err := testutil.ListenHostile(testutil.InvalidStatusLine)
	require.NoError(t, err)
	defer hl.Close()

	u, err := rtspurl.Parse("rtsp://" + hl.Addr().String() + "/stream")
	require.NoError(t, err)
	tr := New(nil, nil)
	require.NoError(t, tr.Dial(context.Background(), u))
	defer tr.Close()

	_, err = tr.Do(context.Background(), message.NewRequest(message.OPTIONS, "rtsp://x/stream"), "")
	assert.Error(t, err)
}

func TestCloseIsIdempotentAndLeavesStateClosed(t *testing.T) {
	fs, err := testutil.NewFakeServer()
	require.NoError(t, err)
	defer fs.Close()

	tr := dialFakeServer(t, fs, nil)
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
}

type sinkFunc func(channel uint8, payload []byte)

func (f sinkFunc) HandleFrame(channel uint8, payload []byte) { f(channel, payload) }
