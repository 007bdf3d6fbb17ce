package worker

import (
	"context"
	"net"
	"os"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/types"
)

// HostProperties gathers the host name and addresses reported to the
// service on CreateWorker and UpdateWorker
func HostProperties() *types.HostProperties {
	properties := &types.HostProperties{}
	if hostname, err := os.Hostname(); err == nil {
		properties.HostName = hostname
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return properties
	}
	ips := &types.IPAddresses{}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			ips.IPV4Addresses = append(ips.IPV4Addresses, v4.String())
		} else {
			ips.IPV6Addresses = append(ips.IPV6Addresses, ipNet.IP.String())
		}
	}
	if len(ips.IPV4Addresses) > 0 || len(ips.IPV6Addresses) > 0 {
		properties.IPAddresses = ips
	}
	return properties
}

// Bootstrap resolves the worker identity: a persisted registration is
// reused; otherwise the worker registers via CreateWorker and the new
// identity is persisted before use.
func Bootstrap(ctx context.Context, client api.Client, farmID, fleetID, persistenceDir string) (types.WorkerIdentity, error) {
	logger := log.WithComponent("bootstrap")

	workerID, ok, err := LoadWorkerID(persistenceDir)
	if err != nil {
		return types.WorkerIdentity{}, err
	}
	if ok {
		logger.Info().Str("worker_id", workerID).Msg("Using persisted worker registration")
		return types.WorkerIdentity{WorkerID: workerID, FarmID: farmID, FleetID: fleetID}, nil
	}

	logger.Info().Msg("Registering new worker")
	response, err := api.CreateWorker(ctx, client, &api.CreateWorkerRequest{
		FarmID:         farmID,
		FleetID:        fleetID,
		HostProperties: HostProperties(),
	})
	if err != nil {
		return types.WorkerIdentity{}, err
	}
	if err := SaveWorkerID(persistenceDir, response.WorkerID); err != nil {
		return types.WorkerIdentity{}, err
	}
	logger.Info().Str("worker_id", response.WorkerID).Msg("Worker registered")
	return types.WorkerIdentity{WorkerID: response.WorkerID, FarmID: farmID, FleetID: fleetID}, nil
}
