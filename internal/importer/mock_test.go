package importer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sells-group/commsync/pkg/openphone"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

// fakeClient serves a fixed history. Page tokens are decimal offsets.
type fakeClient struct {
	mu          sync.Mutex
	convs       []openphone.Conversation
	messages    map[string][]openphone.Message
	calls       map[string][]openphone.Call
	recordings  map[string][]openphone.Recording
	summaries   map[string]*openphone.CallSummary
	transcripts map[string]*openphone.CallTranscript

	listErrs    []error
	listCalls   int
	historyErrs map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages:    make(map[string][]openphone.Message),
		calls:       make(map[string][]openphone.Call),
		recordings:  make(map[string][]openphone.Recording),
		summaries:   make(map[string]*openphone.CallSummary),
		transcripts: make(map[string]*openphone.CallTranscript),
		historyErrs: make(map[string]error),
	}
}

func phoneFor(i int) string { return fmt.Sprintf("+1555000%04d", i) }

// addConversations adds n conversations with one incoming message each.
func (f *fakeClient) addConversations(n int) {
	for i := 0; i < n; i++ {
		phone := phoneFor(len(f.convs))
		conv := openphone.Conversation{
			ID:            fmt.Sprintf("CN%04d", len(f.convs)),
			PhoneNumberID: "PN1",
			Participants:  openphone.StringList{phone},
			Name:          fmt.Sprintf("Contact %d", len(f.convs)),
		}
		f.messages[phone] = append(f.messages[phone], openphone.Message{
			ID:        fmt.Sprintf("MSG%04d", len(f.convs)),
			From:      phone,
			To:        openphone.StringList{"+15559990000"},
			Direction: "incoming",
			Text:      "hello",
			Status:    "received",
			CreatedAt: base.Add(time.Duration(len(f.convs)) * time.Minute),
		})
		f.convs = append(f.convs, conv)
	}
}

func (f *fakeClient) ListConversations(_ context.Context, p openphone.ListParams) (*openphone.Page[openphone.Conversation], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}
	off := 0
	if p.PageToken != "" {
		off, _ = strconv.Atoi(p.PageToken)
	}
	end := off + p.MaxResults
	if end > len(f.convs) {
		end = len(f.convs)
	}
	page := &openphone.Page[openphone.Conversation]{Data: append([]openphone.Conversation(nil), f.convs[off:end]...)}
	if end < len(f.convs) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeClient) ListMessages(_ context.Context, p openphone.HistoryParams) (*openphone.Page[openphone.Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	phone := openphone.StringList(p.Participants).First()
	if err := f.historyErrs[phone]; err != nil {
		return nil, err
	}
	return &openphone.Page[openphone.Message]{Data: append([]openphone.Message(nil), f.messages[phone]...)}, nil
}

func (f *fakeClient) ListCalls(_ context.Context, p openphone.HistoryParams) (*openphone.Page[openphone.Call], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &openphone.Page[openphone.Call]{Data: append([]openphone.Call(nil), f.calls[openphone.StringList(p.Participants).First()]...)}, nil
}

func (f *fakeClient) GetCallRecordings(_ context.Context, callID string) ([]openphone.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordings[callID], nil
}

func (f *fakeClient) GetCallSummary(_ context.Context, callID string) (*openphone.CallSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries[callID], nil
}

func (f *fakeClient) GetCallTranscript(_ context.Context, callID string) (*openphone.CallTranscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts[callID], nil
}
