package http_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/fyrsmithlabs/assistd/internal/budget"
	"github.com/fyrsmithlabs/assistd/internal/chat"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	httpserver "github.com/fyrsmithlabs/assistd/internal/http"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/search"
	"go.uber.org/zap"
)

type exampleServices struct{}

func (exampleServices) Search(context.Context, search.Request) (search.Result, error) {
	return search.Result{}, nil
}
func (exampleServices) Totals(context.Context) (budget.Totals, error) { return budget.Totals{}, nil }
func (exampleServices) Config(context.Context) (budget.Config, error) { return budget.Config{}, nil }
func (exampleServices) SetConfig(context.Context, budget.ConfigUpdate) (budget.Config, error) {
	return budget.Config{}, nil
}
func (exampleServices) Events(context.Context, int) ([]budget.Event, error) { return nil, nil }
func (exampleServices) Prepare(context.Context, chat.PrepareRequest) (chat.Prepared, error) {
	return chat.Prepared{}, nil
}
func (exampleServices) Complete(context.Context, chat.CompleteRequest) (chat.Completion, error) {
	return chat.Completion{}, nil
}

type exampleMemory struct{}

func (exampleMemory) Search(context.Context, string) ([]conversation.Message, error) { return nil, nil }

// ExampleServer builds the API and serves a health check without a
// listener.
func ExampleServer() {
	priv := privacy.NewService(privacy.NewMemoryStore(privacy.Settings{
		PrivacyLevel:         privacy.LevelLocalOnly,
		RedactAggressiveness: privacy.AggressivenessStandard,
	}), nil, nil)

	server, err := httpserver.NewServer(httpserver.Deps{
		Search:  exampleServices{},
		Memory:  exampleMemory{},
		Budget:  exampleServices{},
		Privacy: priv,
		Chat:    exampleServices{},
	}, zap.NewNop(), nil)
	if err != nil {
		panic(err)
	}

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	fmt.Println(rec.Code)
	// Output: 200
}
