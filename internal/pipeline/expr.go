package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaesslerAG/gval"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// conditionLanguage supports literals, the fixed variables,
// comparison, arithmetic, string and boolean operators but no function calls.
var conditionLanguage = gval.NewLanguage(
	gval.Arithmetic(),
	gval.Text(),
	gval.PropositionalLogic(),
)

const conditionCacheSize = 512

// conditions compiles and caches if(...) expressions.
type conditions struct {
	cache *lru.Cache[string, gval.Evaluable]
}

func newConditions() *conditions {
	cache, err := lru.New[string, gval.Evaluable](conditionCacheSize)
	if err != nil {
		panic(err)
	}
	return &conditions{cache: cache}
}

func normalizeCondition(expr string) string {
	expr = strings.ReplaceAll(expr, "!==", "!=")
	return strings.ReplaceAll(expr, "===", "==")
}

func (c *conditions) compile(expr string) (gval.Evaluable, error) {
	if ev, ok := c.cache.Get(expr); ok {
		return ev, nil
	}
	ev, err := conditionLanguage.NewEvaluable(normalizeCondition(expr))
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	c.cache.Add(expr, ev)
	return ev, nil
}

// eval evaluates expr against the variables of msg.
func (c *conditions) eval(ctx context.Context, expr string, msg *message.Message) (bool, error) {
	ev, err := c.compile(expr)
	if err != nil {
		return false, err
	}
	ok, err := ev.EvalBool(ctx, conditionVars(msg))
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return ok, nil
}

// conditionVars is the fixed variable set conditions can see. An unset
// status reads as 200.
func conditionVars(msg *message.Message) map[string]any {
	mime := ""
	if msg.Body != nil {
		mime = message.BaseMime(msg.Body.MimeType)
	}
	return map[string]any{
		"status":      float64(msg.StatusOrOK()),
		"ok":          msg.Ok(),
		"method":      msg.Method,
		"mime":        mime,
		"name":        msg.Name,
		"isJson":      msg.Body.IsJSON(),
		"isText":      msg.Body.IsText(),
		"isBinary":    msg.Body != nil && message.IsBinaryMime(msg.Body.MimeType),
		"isDirectory": msg.IsDirectory(),
	}
}
