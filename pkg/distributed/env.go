package distributed

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/api"
)

// Backends selectable through DET_DISTRIBUTED_BACKEND.
const (
	BackendNone      = "none"
	BackendMaster    = "master"
	BackendWebsocket = "websocket"
)

// DefaultChiefPort is the port of the chief's collective hub when DET_CHIEF_PORT is unset.
const DefaultChiefPort = 12350

// EnvOptions carries what FromEnv cannot read from the environment.
type EnvOptions struct {
	Session           *api.Session
	AllocationID      string
	ChiefAddr         string
	CollectiveTimeout time.Duration
}

// TopologyFromEnv reads the rank layout set by the launch layer (RANK, WORLD_SIZE, LOCAL_RANK,
// LOCAL_WORLD_SIZE, CROSS_RANK, CROSS_SIZE). ok is false when RANK is unset.
func TopologyFromEnv(lookup func(string) (string, bool)) (topo Topology, ok bool, err error) {
	if _, ok := lookup("RANK"); !ok {
		return Topology{}, false, nil
	}
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"RANK", &topo.Rank},
		{"WORLD_SIZE", &topo.Size},
		{"LOCAL_RANK", &topo.LocalRank},
		{"LOCAL_WORLD_SIZE", &topo.LocalSize},
		{"CROSS_RANK", &topo.CrossRank},
		{"CROSS_SIZE", &topo.CrossSize},
	} {
		raw, ok := lookup(v.name)
		if !ok {
			return Topology{}, true, errors.Errorf("%s must be set when RANK is set", v.name)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Topology{}, true, errors.Wrapf(err, "parsing %s", v.name)
		}
		*v.dst = n
	}
	return topo, true, nil
}

// FromEnv builds a Context from the topology read by TopologyFromEnv and the backend named by
// DET_DISTRIBUTED_BACKEND. lookup is usually os.LookupEnv. With no RANK set the worker is
// considered alone and a dummy Context is returned.
func FromEnv(ctx context.Context, lookup func(string) (string, bool), opts EnvOptions) (*Context, error) {
	topo, ok, err := TopologyFromEnv(lookup)
	if err != nil {
		return nil, err
	} else if !ok {
		return NewDummy(), nil
	}

	backend := BackendWebsocket
	if b, ok := lookup("DET_DISTRIBUTED_BACKEND"); ok && b != "" {
		backend = b
	}
	var copts []Option
	if opts.CollectiveTimeout > 0 {
		copts = append(copts, WithCollectiveTimeout(opts.CollectiveTimeout))
	}
	if topo.Size == 1 {
		backend = BackendNone
	}

	switch backend {
	case BackendNone:
		if topo.Size != 1 {
			return nil, errors.Errorf("backend %q cannot serve %d ranks", backend, topo.Size)
		}
		return New(topo, nil, copts...)
	case BackendMaster:
		if opts.Session == nil || opts.AllocationID == "" {
			return nil, errors.New("the master backend requires a session and an allocation id")
		}
		return New(topo, NewMasterTransport(opts.Session, opts.AllocationID, topo.Rank, topo.Size), copts...)
	case BackendWebsocket:
		return websocketFromEnv(ctx, lookup, opts, topo, copts)
	default:
		return nil, errors.Errorf("unknown distributed backend %q", backend)
	}
}

func websocketFromEnv(
	ctx context.Context, lookup func(string) (string, bool), opts EnvOptions, topo Topology,
	copts []Option,
) (*Context, error) {
	host := opts.ChiefAddr
	if ip, ok := lookup("DET_CHIEF_IP"); ok && ip != "" {
		host = ip
	}
	port := strconv.Itoa(DefaultChiefPort)
	if p, ok := lookup("DET_CHIEF_PORT"); ok && p != "" {
		port = p
	}

	var transport Transport
	if topo.Rank == 0 {
		chief, err := ListenWebsocketChief(net.JoinHostPort("", port), topo.Size)
		if err != nil {
			return nil, err
		}
		transport = chief
	} else {
		if host == "" {
			return nil, errors.New("DET_CHIEF_IP must be set for non-chief ranks")
		}
		worker, err := DialWebsocketChief(ctx, net.JoinHostPort(host, port), topo.Rank)
		if err != nil {
			return nil, err
		}
		transport = worker
	}
	return New(topo, transport, copts...)
}
