package app

import (
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/internal/settings"
	"github.com/vk/agentgrid/modules/env_vars"
	"github.com/vk/agentgrid/modules/http_client"
	"github.com/vk/agentgrid/modules/payments"
	"github.com/vk/agentgrid/modules/print"
	"github.com/vk/agentgrid/modules/s3"
	"github.com/vk/agentgrid/modules/socketio"
	"github.com/vk/agentgrid/modules/vmbackend"
)

// coreModules is the definitive list of all modules that are compiled into
// the agentgrid binary.
func coreModules(s settings.Modules) []registry.Module {
	return []registry.Module{
		&vmbackend.Module{},
		&payments.Module{SimulateLatency: s.SimulateLatency},
		&print.Module{},
		&env_vars.Module{},
		&http_client.Module{Timeout: s.HTTP.Timeout},
		&s3.Module{},
		&socketio.Module{
			URL:                s.SocketIO.URL,
			Namespace:          s.SocketIO.Namespace,
			InsecureSkipVerify: s.SocketIO.InsecureSkipVerify,
			ConnectTimeout:     s.SocketIO.ConnectTimeout,
		},
	}
}
