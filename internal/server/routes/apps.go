package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// RegisterAppRoutes 暴露 /-/apps 诊断接口：查询各 App 的版本状态，
// 投递 skipWaiting/downloadOffline 消息，以及重新加载清单触发升级。
func RegisterAppRoutes(app *fiber.App, registry *server.AppRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeApp(route, false))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, ok := lookup(c, registry)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		return c.JSON(encodeApp(route, true))
	})

	app.Post("/-/apps/:name/message", func(c fiber.Ctx) error {
		route, ok := lookup(c, registry)
		if !ok || route.Runtime == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		payload := strings.TrimSpace(string(c.Body()))
		fields := logrus.Fields{
			"action":     "message",
			"app":        route.Config.Name,
			"payload":    payload,
			"request_id": server.RequestID(c),
		}

		err := route.Runtime.PostMessage(c.Context(), payload)
		switch {
		case err == nil:
			logger.WithFields(fields).Info("message_dispatched")
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
		case errors.Is(err, worker.ErrNoVersion):
			logger.WithFields(fields).Warn("message_without_version")
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_version"})
		default:
			logger.WithFields(fields).WithError(err).Error("message_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "message_failed", "detail": err.Error()})
		}
	})

	app.Post("/-/apps/:name/update", func(c fiber.Ctx) error {
		route, ok := lookup(c, registry)
		if !ok || route.Runtime == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		fields := logrus.Fields{
			"action":     "update",
			"app":        route.Config.Name,
			"manifest":   route.Config.Manifest,
			"request_id": server.RequestID(c),
		}

		next, err := manifest.Load(route.Config.Manifest)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("update_manifest_invalid")
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "manifest_invalid", "detail": err.Error()})
		}

		var diff *manifest.Diff
		if current := route.Runtime.ActiveManifest(); current != nil {
			d := manifest.Compare(current.Resources, next)
			diff = &d
		}

		if err := route.Runtime.Register(c.Context(), next); err != nil {
			logger.WithFields(fields).WithError(err).Error("update_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
				"status": route.Runtime.Status(),
			})
		}
		logger.WithFields(fields).Info("update_registered")
		return c.JSON(fiber.Map{"status": route.Runtime.Status(), "diff": diff})
	})
}

type appPayload struct {
	Name        string         `json:"name"`
	Domain      string         `json:"domain"`
	Origin      string         `json:"origin"`
	Upstream    string         `json:"upstream"`
	AuthMode    string         `json:"auth_mode"`
	Manifest    string         `json:"manifest"`
	SkipWaiting bool           `json:"skip_waiting_on_install"`
	Core        []string       `json:"core,omitempty"`
	Resources   []string       `json:"resources,omitempty"`
	Runtime     *worker.Status `json:"runtime,omitempty"`
}

func encodeApp(route *server.AppRoute, detail bool) appPayload {
	payload := appPayload{
		Name:        route.Config.Name,
		Domain:      route.Config.Domain,
		Origin:      route.Origin,
		AuthMode:    route.Config.AuthMode(),
		Manifest:    route.Config.Manifest,
		SkipWaiting: route.Config.SkipWaiting(),
	}
	if route.UpstreamURL != nil {
		payload.Upstream = route.UpstreamURL.String()
	}
	if route.Runtime != nil {
		st := route.Runtime.Status()
		payload.Runtime = &st
		if detail {
			if active := route.Runtime.ActiveManifest(); active != nil {
				payload.Core = append([]string(nil), active.Core...)
				payload.Resources = active.Paths()
			}
		}
	}
	return payload
}

func lookup(c fiber.Ctx, registry *server.AppRegistry) (*server.AppRoute, bool) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, false
	}
	return registry.LookupName(name)
}
