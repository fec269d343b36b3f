package services

import (
	"context"
	"errors"
	"testing"

	"github.com/caio-sobreiro/pacsman/interfaces"
	"github.com/caio-sobreiro/pacsman/types"
)

// mockHandler implements interfaces.ServiceHandler
type mockHandler struct {
	handleFunc func(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

func (m *mockHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, msg, data)
	}
	return &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		Status:                    types.StatusSuccess,
	}, nil, nil
}

// mockStreamingHandler implements both interfaces.ServiceHandler and interfaces.StreamingServiceHandler
type mockStreamingHandler struct {
	mockHandler
	handleStreamingFunc func(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error
}

func (m *mockStreamingHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	return m.handleStreamingFunc(ctx, msg, data, responder)
}

// mockResponder implements interfaces.ResponseSender
type mockResponder struct {
	responses []*types.Message
	datasets  [][]byte
	sendErr   error
}

func (m *mockResponder) SendResponse(msg *types.Message, data []byte) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.responses = append(m.responses, msg)
	m.datasets = append(m.datasets, data)
	return nil
}

func TestRegistry_RegisterAndHandle(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterHandler(types.CEchoRQ, NewEchoService(nil))

	if !registry.HasHandler(types.CEchoRQ) {
		t.Fatal("Expected C-ECHO handler to be registered")
	}

	rsp, data, err := registry.HandleDIMSE(context.Background(), &types.Message{CommandField: types.CEchoRQ, MessageID: 3}, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE failed: %v", err)
	}
	if rsp.CommandField != types.CEchoRSP {
		t.Errorf("CommandField = 0x%04x, want 0x8030", rsp.CommandField)
	}
	if rsp.MessageIDBeingRespondedTo != 3 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 3", rsp.MessageIDBeingRespondedTo)
	}
	if data != nil {
		t.Error("Expected no dataset for C-ECHO")
	}

	registry.UnregisterHandler(types.CEchoRQ)
	if registry.HasHandler(types.CEchoRQ) {
		t.Error("Expected handler to be removed")
	}
}

func TestRegistry_UnsupportedCommand(t *testing.T) {
	registry := NewRegistry(nil)

	rsp, _, err := registry.HandleDIMSE(context.Background(), &types.Message{CommandField: types.CFindRQ, MessageID: 1}, nil)
	if err != nil {
		t.Fatalf("Expected failure response, got error %v", err)
	}
	if rsp.CommandField != types.CFindRSP {
		t.Errorf("CommandField = 0x%04x, want 0x8020", rsp.CommandField)
	}
	if rsp.Status != types.StatusUnableToProcess {
		t.Errorf("Status = 0x%04x, want 0xc001", rsp.Status)
	}
}

func TestRegistry_CancelHasNoResponse(t *testing.T) {
	registry := NewRegistry(nil)
	responder := &mockResponder{}

	err := registry.HandleDIMSEStreaming(context.Background(), &types.Message{CommandField: types.CCancelRQ, MessageIDBeingRespondedTo: 1}, nil, responder)
	if err != nil {
		t.Fatalf("HandleDIMSEStreaming failed: %v", err)
	}
	if len(responder.responses) != 0 {
		t.Errorf("Expected no response to C-CANCEL, got %d", len(responder.responses))
	}
}

func TestRegistry_HandleDIMSEStreaming(t *testing.T) {
	tests := []struct {
		name          string
		handler       interfaces.ServiceHandler
		wantResponses int
		wantErr       bool
	}{
		{
			name:          "single-response handler falls back",
			handler:       &mockHandler{},
			wantResponses: 1,
		},
		{
			name: "streaming handler sends many",
			handler: &mockStreamingHandler{
				handleStreamingFunc: func(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
					for i := 0; i < 3; i++ {
						if err := responder.SendResponse(NewCFindPendingResponse(msg), []byte{0x01}); err != nil {
							return err
						}
					}
					return responder.SendResponse(NewCFindSuccessResponse(msg), nil)
				},
			},
			wantResponses: 4,
		},
		{
			name: "handler error propagates",
			handler: &mockHandler{
				handleFunc: func(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
					return nil, nil, errors.New("backend down")
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(nil)
			registry.RegisterHandler(types.CFindRQ, tt.handler)
			responder := &mockResponder{}

			err := registry.HandleDIMSEStreaming(context.Background(), &types.Message{CommandField: types.CFindRQ, MessageID: 1}, nil, responder)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleDIMSEStreaming() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(responder.responses) != tt.wantResponses {
				t.Errorf("Responses = %d, want %d", len(responder.responses), tt.wantResponses)
			}
		})
	}
}

func TestRegistry_RegisteredCommands(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterHandler(types.CStoreRQ, &mockHandler{})
	registry.RegisterHandler(types.CEchoRQ, &mockHandler{})
	registry.RegisterHandler(types.CFindRQ, &mockHandler{})

	got := registry.RegisteredCommands()
	want := []uint16{types.CStoreRQ, types.CFindRQ, types.CEchoRQ}
	if len(got) != len(want) {
		t.Fatalf("RegisteredCommands() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RegisteredCommands()[%d] = 0x%04x, want 0x%04x", i, got[i], want[i])
		}
	}
}
