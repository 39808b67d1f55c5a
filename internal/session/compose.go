package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"chatlink/internal/chat"
	"chatlink/internal/logging"
	"chatlink/internal/token"
)

// AssistantPrefix starts a message that also asks the assistant.
const AssistantPrefix = "!ai "

// ErrEmpty is returned when a submitted message is blank.
var ErrEmpty = errors.New("session: empty message")

// Sender is the part of the connection the composer writes to.
type Sender interface {
	// SendGen sends msg and returns the generation it was written on.
	SendGen(msg chat.Outbound) (uint64, error)
	SendFor(gen uint64, msg chat.Outbound) error
}

// Assistant answers "!ai" prompts.
type Assistant interface {
	Ask(ctx context.Context, cred token.Credential, prompt, provider string) (chat.AssistantReply, error)
}

// CredentialSource provides the current credential.
type CredentialSource interface {
	Get() token.Credential
}

// ComposerOptions configures a Composer
type ComposerOptions struct {
	Sender      Sender
	Credentials CredentialSource
	Assistant   Assistant // nil disables "!ai"
	Provider    string    // preferred assistant provider, empty lets the server pick

	// OnAuthRequired runs when a message is submitted without a credential.
	OnAuthRequired func(draft string)
	// OnAssistantDone runs after each assistant call, with the content that
	// was sent (or discarded) and the call's error.
	OnAssistantDone func(content string, err error)
}

// Composer validates drafts, sends them and runs assistant requests.
type Composer struct {
	sender    Sender
	creds     CredentialSource
	assistant Assistant
	provider  string
	onAuth    func(string)
	onDone    func(string, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	draft  string
	closed bool
}

// NewComposer creates a Composer.
func NewComposer(opts ComposerOptions) *Composer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Composer{
		sender:    opts.Sender,
		creds:     opts.Credentials,
		assistant: opts.Assistant,
		provider:  opts.Provider,
		onAuth:    opts.OnAuthRequired,
		onDone:    opts.OnAssistantDone,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetDraft replaces the pending input.
func (c *Composer) SetDraft(s string) {
	c.mu.Lock()
	c.draft = s
	c.mu.Unlock()
}

// Draft returns the pending input.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SubmitDraft submits the pending input.
func (c *Composer) SubmitDraft(ctx context.Context) error {
	return c.Submit(ctx, c.Draft())
}

// Submit sends raw as a chat message. Blank input returns ErrEmpty and
// changes nothing. Without a credential it returns chat.ErrUnauthenticated,
// keeps raw as the draft and calls the auth hook. Otherwise the draft is
// cleared whatever the send outcome. A message starting with "!ai " is sent
// as is and also triggers an assistant request whose result is sent as a
// follow-up on the same connection.
func (c *Composer) Submit(ctx context.Context, raw string) error {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cred := c.creds.Get()
	if !cred.Present() {
		c.SetDraft(raw)
		logging.Info("Message needs sign in")
		if c.onAuth != nil {
			c.onAuth(raw)
		}
		return chat.ErrUnauthenticated
	}

	gen, err := c.sender.SendGen(chat.Outbound{Content: text})
	c.SetDraft("")
	if err != nil {
		return err
	}

	if prompt, ok := assistantPrompt(text); ok && c.assistant != nil {
		c.ask(gen, cred, prompt)
	}
	return nil
}

func assistantPrompt(text string) (string, bool) {
	if !strings.HasPrefix(text, AssistantPrefix) {
		return "", false
	}
	prompt := strings.TrimSpace(text[len(AssistantPrefix):])
	return prompt, prompt != ""
}

func (c *Composer) ask(gen uint64, cred token.Credential, prompt string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		reply, err := c.assistant.Ask(c.ctx, cred, prompt, c.provider)
		if c.ctx.Err() != nil {
			return
		}

		var content string
		if err != nil {
			logging.Warn("Assistant request failed", "generation", gen, "error", err)
			content = "AI error: " + assistantErrorMessage(err)
		} else {
			content = FormatAssistantReply(reply)
		}

		if sendErr := c.sender.SendFor(gen, chat.Outbound{Content: content}); sendErr != nil {
			logging.Info("Discarding assistant result", "generation", gen, "reason", sendErr.Error())
		}
		if c.onDone != nil {
			c.onDone(content, err)
		}
	}()
}

// FormatAssistantReply renders a reply as the chat message that carries it.
func FormatAssistantReply(reply chat.AssistantReply) string {
	return reply.Content + chat.AssistantSignature + reply.ProviderLabel + ")"
}

func assistantErrorMessage(err error) string {
	var aerr *chat.AssistantRequestError
	switch {
	case errors.As(err, &aerr) && aerr.Message != "":
		return aerr.Message
	case errors.Is(err, chat.ErrUnauthenticated):
		return "sign in required"
	default:
		return "failed to get AI response"
	}
}

// Wait blocks until in-flight assistant requests have finished.
func (c *Composer) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight assistant requests and waits for them.
func (c *Composer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
