package orchestrator

import (
	"context"
	"errors"
)

// ErrNoAnswer is returned by an AnswerFunc that has nothing more to say.
var ErrNoAnswer = errors.New("no answer available")

// Clarifier answers a worker's request for more input on a task.
type Clarifier interface {
	Ask(ctx context.Context, taskID string, question string) (string, error)
}

// Question represents a question from a worker, relayed by a pipeline stage.
type Question struct {
	TaskID     string
	Content    string
	responseCh chan Answer
}

// Answer represents the response to a question.
type Answer struct {
	Content string
	Error   error
}

// AnswerFunc produces the answer to one question.
type AnswerFunc func(ctx context.Context, taskID string, question string) (string, error)

// QAChannel serializes questions from concurrent stages onto one answer
// function. It implements Clarifier.
type QAChannel struct {
	questionCh chan Question
	answerFn   AnswerFunc
	done       chan struct{}
}

// NewQAChannel creates a new Q&A channel with the specified buffer size and answer function.
func NewQAChannel(bufferSize int, answerFn AnswerFunc) *QAChannel {
	return &QAChannel{
		questionCh: make(chan Question, bufferSize),
		answerFn:   answerFn,
		done:       make(chan struct{}),
	}
}

// Start launches the question handler goroutine.
// It processes questions until the context is cancelled.
func (qac *QAChannel) Start(ctx context.Context) {
	go qac.handleQuestions(ctx)
}

func (qac *QAChannel) handleQuestions(ctx context.Context) {
	defer close(qac.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-qac.questionCh:
			content, err := qac.answerFn(ctx, q.TaskID, q.Content)

			select {
			case <-ctx.Done():
				q.responseCh <- Answer{Error: ctx.Err()}
				return
			default:
				q.responseCh <- Answer{Content: content, Error: err}
			}
		}
	}
}

// Ask sends a question and waits for an answer.
// It respects context cancellation at both the send and receive stages.
func (qac *QAChannel) Ask(ctx context.Context, taskID string, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-qac.done:
		return "", ErrNoAnswer
	default:
	}
	responseCh := make(chan Answer, 1)

	q := Question{
		TaskID:     taskID,
		Content:    question,
		responseCh: responseCh,
	}

	select {
	case qac.questionCh <- q:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-qac.done:
		return "", ErrNoAnswer
	}

	select {
	case answer := <-responseCh:
		return answer.Content, answer.Error
	case <-qac.done:
		// The handler may have answered just before exiting.
		select {
		case answer := <-responseCh:
			return answer.Content, answer.Error
		default:
			return "", ErrNoAnswer
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (qac *QAChannel) Stop() {
	<-qac.done
}

// ScriptedAnswers returns an AnswerFunc that hands out answers in order and
// then reports ErrNoAnswer. It is used for clarifications supplied with a query.
func ScriptedAnswers(answers []string) AnswerFunc {
	next := 0
	return func(ctx context.Context, taskID string, question string) (string, error) {
		if next >= len(answers) {
			return "", ErrNoAnswer
		}
		a := answers[next]
		next++
		return a, nil
	}
}
