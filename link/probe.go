package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"can-dashboard/common"
)

const notUpReason = "interface exists but is not up"

// IPLink is the subset of `ip -d -j link show` output the prober reads.
type IPLink struct {
	Name      string   `json:"ifname"`
	Flags     []string `json:"flags"`
	OperState string   `json:"operstate"`
	LinkType  string   `json:"link_type"`
	LinkInfo  struct {
		Kind string `json:"info_kind"`
		Data struct {
			State     string `json:"state"`
			Bitrate   uint32 `json:"bitrate"`
			BitTiming struct {
				Bitrate uint32 `json:"bitrate"`
			} `json:"bittiming"`
		} `json:"info_data"`
	} `json:"linkinfo"`
}

func (l IPLink) up() bool {
	for _, f := range l.Flags {
		if f == "UP" {
			return true
		}
	}
	return l.OperState == "UP"
}

func (l IPLink) bitrate() uint32 {
	if l.LinkInfo.Data.BitTiming.Bitrate != 0 {
		return l.LinkInfo.Data.BitTiming.Bitrate
	}
	return l.LinkInfo.Data.Bitrate
}

// IPProber probes links by parsing `ip -d -j link show <name>`.
type IPProber struct {
	runner Runner
}

// NewIPProber creates a prober running ip(8) through runner.
func NewIPProber(runner Runner) *IPProber {
	return &IPProber{runner: runner}
}

// Probe implements Prober.
func (p *IPProber) Probe(ctx context.Context, name string) common.ConnectionStatus {
	status := common.ConnectionStatus{Interface: name}

	out, err := p.runner.Run(ctx, "ip", "-d", "-j", "link", "show", name)
	if err != nil {
		return status.Disconnected(fmt.Sprintf("interface not found: %v", err))
	}

	link, err := ParseIPLink(out)
	if err != nil {
		return status.Disconnected(fmt.Sprintf("interface not found: %v", err))
	}

	status.Bitrate = link.bitrate()
	if !link.up() {
		return status.Disconnected(notUpReason)
	}
	status.Connected = true
	return status
}

// ParseIPLink decodes the JSON output of `ip -d -j link show <name>`.
func ParseIPLink(out []byte) (IPLink, error) {
	var links []IPLink
	if err := json.Unmarshal(out, &links); err != nil {
		return IPLink{}, fmt.Errorf("parse ip output: %w", err)
	}
	if len(links) == 0 {
		return IPLink{}, fmt.Errorf("parse ip output: no link reported")
	}
	return links[0], nil
}

// NetlinkProber probes links through a netlink socket instead of ip(8).
type NetlinkProber struct {
	linkByName func(name string) (netlink.Link, error)
}

// NewNetlinkProber creates a prober backed by the kernel's netlink API.
func NewNetlinkProber() *NetlinkProber {
	return &NetlinkProber{linkByName: netlink.LinkByName}
}

// Probe implements Prober.
func (p *NetlinkProber) Probe(_ context.Context, name string) common.ConnectionStatus {
	status := common.ConnectionStatus{Interface: name}

	l, err := p.linkByName(name)
	if err != nil {
		return status.Disconnected(fmt.Sprintf("interface not found: %v", err))
	}
	if c, ok := l.(*netlink.Can); ok {
		status.Bitrate = c.BitRate
	}
	if l.Attrs().Flags&net.FlagUp == 0 {
		return status.Disconnected(notUpReason)
	}
	status.Connected = true
	return status
}
