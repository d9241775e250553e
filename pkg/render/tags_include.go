package render

import (
	"github.com/flosch/pongo2/v6"
)

// The stock include tag resolves the target through the template-set loader
// while parsing, which rules out layered lookup and turns inclusion cycles
// into a parse-time hang. This replacement defers resolution to render time:
// the name expression is evaluated against the live context, the target comes
// from the per-render resolver, and entry is charged against the governor's
// depth budget.

type includeNode struct {
	name     pongo2.IEvaluator
	bindings []includeBinding
	only     bool

	token *pongo2.Token
}

type includeBinding struct {
	name  string
	value pongo2.IEvaluator
}

func includeTagParser(doc *pongo2.Parser, start *pongo2.Token, arguments *pongo2.Parser) (pongo2.INodeTag, *pongo2.Error) {
	node := &includeNode{token: start}

	name, err := arguments.ParseExpression()
	if err != nil {
		return nil, err
	}
	node.name = name

	if arguments.Match(pongo2.TokenIdentifier, "with") != nil {
		for arguments.Remaining() > 0 {
			if arguments.Match(pongo2.TokenIdentifier, "only") != nil {
				node.only = true
				break
			}

			keyToken := arguments.MatchType(pongo2.TokenIdentifier)
			if keyToken == nil {
				return nil, arguments.Error("Expected an identifier as binding name.", nil)
			}
			if arguments.Match(pongo2.TokenSymbol, "=") == nil {
				return nil, arguments.Error("Expected '=' after binding name.", nil)
			}
			value, err := arguments.ParseExpression()
			if err != nil {
				return nil, err
			}
			node.bindings = append(node.bindings, includeBinding{name: keyToken.Val, value: value})
		}
	} else if arguments.Match(pongo2.TokenIdentifier, "only") != nil {
		node.only = true
	}

	if arguments.Remaining() > 0 {
		return nil, arguments.Error("Malformed include-tag arguments.", nil)
	}

	return node, nil
}

func (node *includeNode) Execute(ctx *pongo2.ExecutionContext, writer pongo2.TemplateWriter) *pongo2.Error {
	state := stateFrom(ctx)
	if state == nil || state.resolver == nil {
		return ctx.Error("include used outside a governed render", node.token)
	}

	nameValue, perr := node.name.Evaluate(ctx)
	if perr != nil {
		return perr
	}
	name := nameValue.String()

	if err := state.gov.EnterInclude(); err != nil {
		return ctx.OrigError(err, node.token)
	}
	defer state.gov.ExitInclude()

	included, err := state.resolver.Resolve(name)
	if err != nil {
		return ctx.OrigError(err, node.token)
	}

	sub := pongo2.Context{}
	if !node.only {
		sub.Update(ctx.Public)
		sub.Update(ctx.Private)
	}
	for _, binding := range node.bindings {
		value, perr := binding.value.Evaluate(ctx)
		if perr != nil {
			return perr
		}
		sub[binding.name] = value.Interface()
	}
	sub[stateKey] = state

	if err := included.tpl.ExecuteWriter(sub, writer); err != nil {
		if perr, ok := err.(*pongo2.Error); ok {
			return perr
		}
		return ctx.OrigError(err, node.token)
	}
	return nil
}
