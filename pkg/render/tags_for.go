package render

import (
	"github.com/flosch/pongo2/v6"
)

// The stock pongo2 for tag runs collections to completion with no budget.
// This replacement keeps the stock grammar (key/value pairs, sorted and
// reversed modifiers, an optional empty branch, forloop metadata) but charges
// every body evaluation against the render governor before it happens.

type forNode struct {
	key   string
	value string

	object   pongo2.IEvaluator
	sorted   bool
	reversed bool

	token *pongo2.Token

	body  *pongo2.NodeWrapper
	empty *pongo2.NodeWrapper
}

// forLoopInfo mirrors the metadata the stock tag exposes as forloop.
type forLoopInfo struct {
	Counter     int
	Counter0    int
	Revcounter  int
	Revcounter0 int
	First       bool
	Last        bool
	Parentloop  *forLoopInfo
}

func forTagParser(doc *pongo2.Parser, start *pongo2.Token, arguments *pongo2.Parser) (pongo2.INodeTag, *pongo2.Error) {
	node := &forNode{token: start}

	keyToken := arguments.MatchType(pongo2.TokenIdentifier)
	if keyToken == nil {
		return nil, arguments.Error("Expected an identifier as first argument for 'for'-tag.", nil)
	}
	node.key = keyToken.Val

	if arguments.Match(pongo2.TokenSymbol, ",") != nil {
		valueToken := arguments.MatchType(pongo2.TokenIdentifier)
		if valueToken == nil {
			return nil, arguments.Error("Value name must be an identifier.", nil)
		}
		node.value = valueToken.Val
	}

	if arguments.Match(pongo2.TokenKeyword, "in") == nil {
		return nil, arguments.Error("Expected keyword 'in' for 'for'-tag.", nil)
	}

	object, err := arguments.ParseExpression()
	if err != nil {
		return nil, err
	}
	node.object = object

	if arguments.Match(pongo2.TokenIdentifier, "sorted") != nil {
		node.sorted = true
	}
	if arguments.Match(pongo2.TokenIdentifier, "reversed") != nil {
		node.reversed = true
	}

	if arguments.Remaining() > 0 {
		return nil, arguments.Error("Malformed for-loop arguments.", nil)
	}

	body, endargs, err := doc.WrapUntilTag("empty", "endfor")
	if err != nil {
		return nil, err
	}
	node.body = body
	if endargs.Remaining() > 0 {
		return nil, endargs.Error("Arguments not allowed here.", nil)
	}

	if body.Endtag == "empty" {
		empty, endargs, err := doc.WrapUntilTag("endfor")
		if err != nil {
			return nil, err
		}
		node.empty = empty
		if endargs.Remaining() > 0 {
			return nil, endargs.Error("Arguments not allowed here.", nil)
		}
	}

	return node, nil
}

func (node *forNode) Execute(ctx *pongo2.ExecutionContext, writer pongo2.TemplateWriter) *pongo2.Error {
	state := stateFrom(ctx)

	forCtx := pongo2.NewChildExecutionContext(ctx)

	loop := &forLoopInfo{First: true}
	if parent, ok := forCtx.Private["forloop"].(*forLoopInfo); ok {
		loop.Parentloop = parent
	}
	forCtx.Private["forloop"] = loop

	obj, err := node.object.Evaluate(forCtx)
	if err != nil {
		return err
	}

	var execErr *pongo2.Error
	iterate := func(idx, count int, key, value *pongo2.Value) bool {
		if state != nil {
			if err := state.gov.StartIteration(); err != nil {
				execErr = ctx.OrigError(err, node.token)
				return false
			}
		}

		loop.Counter = idx + 1
		loop.Counter0 = idx
		loop.First = idx == 0
		loop.Last = count == idx+1
		loop.Revcounter = count - idx
		loop.Revcounter0 = count - idx - 1

		forCtx.Private[node.key] = key.Interface()
		// value is nil for everything but maps.
		if node.value != "" && value != nil {
			forCtx.Private[node.value] = value.Interface()
		}

		if err := node.body.Execute(forCtx, writer); err != nil {
			execErr = err
			return false
		}
		return true
	}
	empty := func() {
		if node.empty != nil {
			if err := node.empty.Execute(forCtx, writer); err != nil {
				execErr = err
			}
		}
	}

	if node.sorted || node.reversed {
		obj.IterateOrder(iterate, empty, node.reversed, node.sorted)
	} else {
		obj.Iterate(iterate, empty)
	}

	return execErr
}
