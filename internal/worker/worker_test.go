package worker

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/y-scope/spider-go/internal/codec"
	"github.com/y-scope/spider-go/internal/scheduler"
)

// fakeScheduler is a minimal TCP peer that records what a Worker sends it
// and replies with a canned response, standing in for a real
// scheduler.Server to test Worker's wire behavior in isolation.
type fakeScheduler struct {
	ln net.Listener

	gotTags  chan string
	response func(tag string) (string, interface{})
}

func newFakeScheduler(t *testing.T, response func(tag string) (string, interface{})) *fakeScheduler {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeScheduler{ln: ln, gotTags: make(chan string, 8), response: response}
	go fs.serve()
	return fs
}

func (fs *fakeScheduler) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			env, err := codec.ReadTCP(bufio.NewReader(conn))
			if err != nil {
				return
			}
			fs.gotTags <- env.Tag
			if fs.response == nil {
				return
			}
			respTag, body := fs.response(env.Tag)
			_ = codec.WriteTCP(conn, respTag, body)
		}()
	}
}

func (fs *fakeScheduler) addr() string { return fs.ln.Addr().String() }
func (fs *fakeScheduler) close()       { fs.ln.Close() }

func TestRequestLeaseReturnsEmptyOnLeaseEmpty(t *testing.T) {
	fs := newFakeScheduler(t, func(tag string) (string, interface{}) {
		return scheduler.TagLeaseEmpty, struct{}{}
	})
	defer fs.close()

	w := New(uuid.New(), fs.addr(), "spider-task-executor", nil)
	grant, empty, err := w.requestLease(context.Background())
	require.NoError(t, err)
	require.True(t, empty)
	require.Equal(t, scheduler.LeaseGrant{}, grant)

	select {
	case tag := <-fs.gotTags:
		require.Equal(t, scheduler.TagLeaseRequest, tag)
	case <-time.After(time.Second):
		t.Fatal("scheduler never received lease request")
	}
}

func TestRequestLeaseDecodesGrant(t *testing.T) {
	taskID, jobID, instID := uuid.New(), uuid.New(), uuid.New()
	fs := newFakeScheduler(t, func(tag string) (string, interface{}) {
		return scheduler.TagLeaseGrant, scheduler.LeaseGrant{
			TaskID: taskID, JobID: jobID, InstanceID: instID, FunctionName: "identity",
		}
	})
	defer fs.close()

	w := New(uuid.New(), fs.addr(), "spider-task-executor", []string{"zone-a"})
	grant, empty, err := w.requestLease(context.Background())
	require.NoError(t, err)
	require.False(t, empty)
	require.Equal(t, taskID, grant.TaskID)
	require.Equal(t, "identity", grant.FunctionName)
}

func TestReportSendsTaskFinishOnSuccess(t *testing.T) {
	fs := newFakeScheduler(t, func(tag string) (string, interface{}) {
		return scheduler.TagAck, struct{}{}
	})
	defer fs.close()

	w := New(uuid.New(), fs.addr(), "spider-task-executor", nil)
	grant := scheduler.LeaseGrant{TaskID: uuid.New(), JobID: uuid.New(), InstanceID: uuid.New()}
	w.report(context.Background(), grant, []codec.OutputValue{{Position: 0, Value: []byte("42")}}, "", nil)

	select {
	case tag := <-fs.gotTags:
		require.Equal(t, scheduler.TagTaskFinish, tag)
	case <-time.After(time.Second):
		t.Fatal("scheduler never received finish report")
	}
}

func TestReportSendsTaskAbortOnAbort(t *testing.T) {
	fs := newFakeScheduler(t, func(tag string) (string, interface{}) {
		return scheduler.TagAck, struct{}{}
	})
	defer fs.close()

	w := New(uuid.New(), fs.addr(), "spider-task-executor", nil)
	grant := scheduler.LeaseGrant{TaskID: uuid.New(), JobID: uuid.New(), InstanceID: uuid.New(), FunctionName: "abort_test"}
	w.report(context.Background(), grant, nil, "", &codec.AbortMessage{Message: "Abort test"})

	select {
	case tag := <-fs.gotTags:
		require.Equal(t, scheduler.TagTaskAbort, tag)
	case <-time.After(time.Second):
		t.Fatal("scheduler never received abort report")
	}
}
