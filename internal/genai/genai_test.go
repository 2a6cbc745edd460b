package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestClassifyIntent(t *testing.T) {
	mock := &mockChatService{resp: completionWith("pay_debt")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	got, err := client.ClassifyIntent(context.Background(), "quisiera abonar lo que debo", []string{"pay_debt", "debt_query"})
	if err != nil {
		t.Fatalf("ClassifyIntent failed: %v", err)
	}
	if got != "pay_debt" {
		t.Errorf("expected pay_debt, got %q", got)
	}
	if len(mock.params.Messages) != 3 {
		t.Errorf("expected system, candidates and user messages, got %d", len(mock.params.Messages))
	}
}

func TestClassifyIntentNormalizesAnswer(t *testing.T) {
	mock := &mockChatService{resp: completionWith("  Pay_Debt\n")}
	client := &Client{chat: mock}

	got, err := client.ClassifyIntent(context.Background(), "abonar", []string{"pay_debt"})
	if err != nil {
		t.Fatalf("ClassifyIntent failed: %v", err)
	}
	if got != "pay_debt" {
		t.Errorf("expected normalized match, got %q", got)
	}
}

func TestClassifyIntentRejectsAnswerOutsideCandidates(t *testing.T) {
	mock := &mockChatService{resp: completionWith("refund_request")}
	client := &Client{chat: mock}

	got, err := client.ClassifyIntent(context.Background(), "algo", []string{"pay_debt"})
	if err != nil {
		t.Fatalf("ClassifyIntent failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty intent for out-of-list answer, got %q", got)
	}
}

func TestClassifyIntentNone(t *testing.T) {
	mock := &mockChatService{resp: completionWith("none")}
	client := &Client{chat: mock}

	got, err := client.ClassifyIntent(context.Background(), "gracias", []string{"pay_debt", "debt_query"})
	if err != nil {
		t.Fatalf("ClassifyIntent failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty intent for none, got %q", got)
	}
}

func TestClassifyIntentError(t *testing.T) {
	mock := &mockChatService{err: errors.New("api unreachable")}
	client := &Client{chat: mock}

	if _, err := client.ClassifyIntent(context.Background(), "hola", []string{"greeting"}); err == nil {
		t.Error("expected error from failed request")
	}
}

func TestClassifyIntentEmptyInputs(t *testing.T) {
	mock := &mockChatService{resp: completionWith("greeting")}
	client := &Client{chat: mock}

	if got, _ := client.ClassifyIntent(context.Background(), "", []string{"greeting"}); got != "" {
		t.Errorf("expected no classification for empty text, got %q", got)
	}
	if got, _ := client.ClassifyIntent(context.Background(), "hola", nil); got != "" {
		t.Errorf("expected no classification without candidates, got %q", got)
	}
}
