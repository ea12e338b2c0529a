// Package network implements the network_datalink and network_ip handler
// families: vnic/aggregate/etherstub/vlan/bridge lifecycle and IP address
// lifecycle. create_vnic, delete_vnic and delete_ip_address also reconcile
// the matching store rows; the other operations only run their host command.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const defaultTimeout = 5 * time.Minute

// Reconciler is the subset of the Task Store the network handlers need to
// keep NetworkInterfaces/NetworkUsage/IPAddresses rows in sync with host
// state after a successful datalink or IP mutation. Handlers depend on
// this narrow interface rather than the full store so they stay testable
// in isolation.
type Reconciler interface {
	ReconcileNetworkInterface(ctx context.Context, host, link, class string, present bool) error
	ReconcileIPAddress(ctx context.Context, host, addrobj string, present bool) error
	RemainingIPAddressCount(ctx context.Context, host, interfaceName string) (int, error)
}

type datalinkParams struct {
	Link      string `json:"link"`
	Over      string `json:"over,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type vnicProperties struct {
	Link       string            `json:"link"`
	Properties map[string]string `json:"properties"`
}

type ipAddressParams struct {
	Interface string `json:"interface"`
	Addrobj   string `json:"addrobj"`
	Address   string `json:"address,omitempty"`
}

// Register wires the datalink/IP family into reg. create_vnic, delete_vnic,
// set_vnic_properties and delete_ip_address have dedicated handlers; the
// rest of the family goes through a generic argv-template handler, since
// their host command shape is uniform, and those perform no store
// reconciliation.
func Register(reg *handlers.Registry, runner *command.Runner, host string, recon Reconciler) {
	reg.Register("create_vnic", handlers.CategoryNetworkDatalink, defaultTimeout, createVNIC(runner, host, recon))
	reg.Register("delete_vnic", handlers.CategoryNetworkDatalink, defaultTimeout, deleteVNIC(runner, host, recon))
	reg.Register("set_vnic_properties", handlers.CategoryNetworkDatalink, defaultTimeout, setVNICProperties(runner))

	for _, op := range []struct {
		name string
		argv func(target string, p datalinkParams) []string
	}{
		{"create_aggregate", func(t string, p datalinkParams) []string { return []string{"dladm", "create-aggr", "-l", p.Over, t} }},
		{"delete_aggregate", func(t string, p datalinkParams) []string { return forceArgv([]string{"dladm", "delete-aggr"}, p.Force, t) }},
		{"modify_aggregate", func(t string, p datalinkParams) []string { return []string{"dladm", "modify-aggr", "-l", p.Over, t} }},
		{"create_etherstub", func(t string, p datalinkParams) []string { return tempArgv([]string{"dladm", "create-etherstub"}, p.Temporary, t) }},
		{"delete_etherstub", func(t string, p datalinkParams) []string { return forceArgv([]string{"dladm", "delete-etherstub"}, p.Force, t) }},
		{"create_vlan", func(t string, p datalinkParams) []string { return []string{"dladm", "create-vlan", "-l", p.Over, t} }},
		{"delete_vlan", func(t string, p datalinkParams) []string { return []string{"dladm", "delete-vlan", t} }},
		{"modify_vlan", func(t string, p datalinkParams) []string { return []string{"dladm", "modify-vlan", "-l", p.Over, t} }},
		{"create_bridge", func(t string, p datalinkParams) []string { return []string{"dladm", "create-bridge", "-l", p.Over, t} }},
		{"delete_bridge", func(t string, p datalinkParams) []string { return forceArgv([]string{"dladm", "delete-bridge"}, p.Force, t) }},
		{"modify_bridge", func(t string, p datalinkParams) []string { return []string{"dladm", "modify-bridge", "-l", p.Over, t} }},
		{"modify_aggregate_links", func(t string, p datalinkParams) []string { return []string{"dladm", "add-aggr", "-l", p.Over, t} }},
		{"modify_bridge_links", func(t string, p datalinkParams) []string { return []string{"dladm", "add-bridge", "-l", p.Over, t} }},
	} {
		op := op
		reg.Register(op.name, handlers.CategoryNetworkDatalink, defaultTimeout, genericDatalinkHandler(runner, op.name, op.argv))
	}

	for _, op := range []struct {
		name string
		argv func(target string, p ipAddressParams) []string
	}{
		{"create_ip_address", func(t string, p ipAddressParams) []string { return []string{"ipadm", "create-addr", "-T", "static", "-a", p.Address, p.Addrobj} }},
		{"enable_ip_address", func(t string, p ipAddressParams) []string { return []string{"ipadm", "enable-addr", p.Addrobj} }},
		{"disable_ip_address", func(t string, p ipAddressParams) []string { return []string{"ipadm", "disable-addr", p.Addrobj} }},
	} {
		op := op
		reg.Register(op.name, handlers.CategoryNetworkIP, defaultTimeout, genericIPHandler(runner, op.name, op.argv))
	}
	reg.Register("delete_ip_address", handlers.CategoryNetworkIP, defaultTimeout, deleteIPAddress(runner, host, recon))
}

func createVNIC(runner *command.Runner, host string, recon Reconciler) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p datalinkParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Over == "" {
			return handlers.Result{Err: taskerr.Validation("create_vnic: metadata requires \"over\": %v", err)}
		}
		argv := tempArgv([]string{"dladm", "create-vnic", "-l", p.Over}, p.Temporary, target)
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		if err := recon.ReconcileNetworkInterface(ctx, host, target, "vnic", true); err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "vnic created but NetworkInterfaces reconciliation failed", err)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("vnic %s created over %s", target, p.Over)}
	}
}

// deleteVNIC is the operation the core spec calls out by name: deletion
// must also reconcile NetworkInterfaces/NetworkUsage so a removed vnic
// does not linger as a phantom row after the host-side delete succeeds.
func deleteVNIC(runner *command.Runner, host string, recon Reconciler) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p datalinkParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("delete_vnic: invalid metadata: %v", err)}
			}
		}
		argv := forceArgv([]string{"dladm", "delete-vnic"}, p.Force, target)
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		if err := recon.ReconcileNetworkInterface(ctx, host, target, "vnic", false); err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "vnic deleted on host but NetworkInterfaces/NetworkUsage reconciliation failed", err)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("vnic %s deleted", target)}
	}
}

func setVNICProperties(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p vnicProperties
		if err := json.Unmarshal(metadata, &p); err != nil {
			return handlers.Result{Err: taskerr.Validation("set_vnic_properties: invalid metadata: %v", err)}
		}
		if len(p.Properties) == 0 {
			return handlers.Result{Err: taskerr.Validation("set_vnic_properties: properties must not be empty")}
		}
		argv := []string{"dladm", "set-linkprop", "-p", joinProperties(p.Properties), target}
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("vnic %s properties updated", target))
	}
}

func genericDatalinkHandler(runner *command.Runner, operation string, argvFn func(string, datalinkParams) []string) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p datalinkParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("%s: invalid metadata: %v", operation, err)}
			}
		}
		res := runner.Run(ctx, argvFn(target, p), nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("%s %s ok", operation, target))
	}
}

func genericIPHandler(runner *command.Runner, operation string, argvFn func(string, ipAddressParams) []string) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p ipAddressParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Addrobj == "" {
			return handlers.Result{Err: taskerr.Validation("%s: metadata requires \"addrobj\": %v", operation, err)}
		}
		res := runner.Run(ctx, argvFn(target, p), nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("%s %s ok", operation, p.Addrobj))
	}
}

// deleteIPAddress removes an address and, per the IP-ops reconciliation
// invariant, also removes the owning IP interface once it has no
// addresses left: ipadm (like dladm) leaves a now-empty interface object
// behind after its last address is deleted, and that object has to be
// torn down explicitly or it lingers as a phantom.
func deleteIPAddress(runner *command.Runner, host string, recon Reconciler) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p ipAddressParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Addrobj == "" {
			return handlers.Result{Err: taskerr.Validation("delete_ip_address: metadata requires \"addrobj\": %v", err)}
		}
		interfaceName := p.Interface
		if interfaceName == "" {
			interfaceName = interfaceFromAddrobj(p.Addrobj)
		}

		res := runner.Run(ctx, []string{"ipadm", "delete-addr", p.Addrobj}, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		if err := recon.ReconcileIPAddress(ctx, host, p.Addrobj, false); err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "ip address deleted but IPAddresses reconciliation failed", err)}
		}

		remaining, err := recon.RemainingIPAddressCount(ctx, host, interfaceName)
		if err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "ip address deleted but remaining-address check failed", err)}
		}
		if remaining > 0 {
			return handlers.Result{OK: true, Message: fmt.Sprintf("delete_ip_address %s ok", p.Addrobj)}
		}

		ipRes := runner.Run(ctx, []string{"ipadm", "delete-ip", interfaceName}, nil, defaultTimeout)
		if !ipRes.OK {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, fmt.Sprintf("ip address deleted but delete-ip %s failed", interfaceName), fmt.Errorf("%s", ipRes.Stderr))}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("delete_ip_address %s ok, interface %s had no remaining addresses and was removed", p.Addrobj, interfaceName)}
	}
}

// interfaceFromAddrobj derives an addrobj's owning interface, e.g.
// "net0/v4static" -> "net0", the ipadm convention this engine targets.
func interfaceFromAddrobj(addrobj string) string {
	for i := 0; i < len(addrobj); i++ {
		if addrobj[i] == '/' {
			return addrobj[:i]
		}
	}
	return addrobj
}

func tempArgv(base []string, temporary bool, target string) []string {
	if temporary {
		base = append(base, "-t")
	}
	return append(base, target)
}

func forceArgv(base []string, force bool, target string) []string {
	if force {
		base = append(base, "-f")
	}
	return append(base, target)
}

func joinProperties(props map[string]string) string {
	first := true
	var out string
	for k, v := range props {
		if !first {
			out += ","
		}
		first = false
		out += k + "=" + v
	}
	return out
}

func toResult(res command.Result, okMessage string) handlers.Result {
	if !res.OK {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
	}
	return handlers.Result{OK: true, Message: okMessage}
}
