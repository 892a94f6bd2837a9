package webhook

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"detail":"failed to marshal response"}`)
		return
	}
	ctx.SetBody(body)
}

func writeDetail(ctx *fasthttp.RequestCtx, status int, detail string) {
	writeJSON(ctx, status, errorBody{Detail: detail})
}
