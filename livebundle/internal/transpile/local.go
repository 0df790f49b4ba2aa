package transpile

import (
	"context"
	"encoding/json"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tidwall/gjson"

	"github.com/hazyhaar/livebundle/connectivity"
)

// TransformOptions are the esbuild options of the in-process transpiler:
// TSX input, automatic JSX runtime, ES module output targeting es2020.
func TransformOptions() api.TransformOptions {
	return api.TransformOptions{
		Loader:     api.LoaderTSX,
		JSX:        api.JSXAutomatic,
		Format:     api.FormatESModule,
		Target:     api.ES2020,
		Sourcefile: "App.tsx",
		LogLevel:   api.LogLevelSilent,
	}
}

type response struct {
	TranspiledCode *string      `json:"transpiledCode,omitempty"`
	Errors         []Diagnostic `json:"errors,omitempty"`
}

// LocalHandler implements the transpile boundary in process with esbuild.
func LocalHandler() connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := gjson.GetBytes(payload, "sourceCode").String()
		result := api.Transform(src, TransformOptions())
		if len(result.Errors) > 0 {
			return json.Marshal(response{Errors: diagnostics(result.Errors)})
		}
		code := string(result.Code)
		return json.Marshal(response{TranspiledCode: &code})
	}
}

func diagnostics(msgs []api.Message) []Diagnostic {
	out := make([]Diagnostic, 0, len(msgs))
	for _, m := range msgs {
		d := Diagnostic{Message: m.Text}
		if m.Location != nil {
			d.Line = m.Location.Line
			d.Column = m.Location.Column + 1
		}
		out = append(out, d)
	}
	return out
}
