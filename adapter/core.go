package adapter

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/blob"
	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/templater"
)

// CoreAdapter serves the built-in core.* namespace: echo, log, template
// rendering, blob storage, and event publishing.
type CoreAdapter struct {
	bus   event.Bus
	blobs blob.Store
	tmpl  *templater.Templater
}

var _ Adapter = (*CoreAdapter)(nil)

// NewCoreAdapter wires the core namespace. bus and blobs may be nil when the
// host doesn't provide them; the corresponding operations then fail with a
// clear error instead of a panic.
func NewCoreAdapter(bus event.Bus, blobs blob.Store) *CoreAdapter {
	return &CoreAdapter{bus: bus, blobs: blobs, tmpl: templater.New()}
}

func (a *CoreAdapter) ID() string { return "core" }

func (a *CoreAdapter) Manifest() *registry.Entry {
	return &registry.Entry{
		Type:        registry.TypeTool,
		Name:        "core",
		Description: "Built-in utilities: echo, log, template, blob.put, blob.get, event.publish",
	}
}

func (a *CoreAdapter) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "core.echo":
		return map[string]any{"text": stringArg(args, "text")}, nil

	case "core.log":
		text := stringArg(args, "text")
		if text == "" {
			text = stringArg(args, "message")
		}
		logger.Info("%s", text)
		return map[string]any{"text": text}, nil

	case "core.template":
		tmplSrc := stringArg(args, "template")
		data, _ := args["data"].(map[string]any)
		out, err := a.tmpl.Render(tmplSrc, data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": out}, nil

	case "core.blob.put":
		if a.blobs == nil {
			return nil, errs.Adapter("core.blob.put: no blob store configured")
		}
		url, err := a.blobs.Put(ctx, []byte(stringArg(args, "data")),
			stringArg(args, "mime"), stringArg(args, "filename"))
		if err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "core.blob.put")
		}
		return map[string]any{"url": url}, nil

	case "core.blob.get":
		if a.blobs == nil {
			return nil, errs.Adapter("core.blob.get: no blob store configured")
		}
		data, err := a.blobs.Get(ctx, stringArg(args, "url"))
		if err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "core.blob.get")
		}
		return map[string]any{"data": string(data)}, nil

	case "core.event.publish":
		if a.bus == nil {
			return nil, errs.Adapter("core.event.publish: no event bus configured")
		}
		topic := stringArg(args, "topic")
		if topic == "" {
			return nil, errs.Adapter("core.event.publish: topic is required")
		}
		payload, _ := args["payload"].(map[string]any)
		if err := a.bus.Publish(ctx, topic, payload); err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "core.event.publish to %q", topic)
		}
		return map[string]any{"topic": topic, "published": true}, nil
	}
	return nil, errs.UnknownTool(tool)
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
