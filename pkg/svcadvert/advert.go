// Package svcadvert constructs and registers the mDNS service record a
// tunnel advertises on each physical link, carrying the properties a
// peer needs to authenticate and join: address, hostname, public key,
// and a keyed digest over all of it.
package svcadvert

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/libp2p/zeroconf/v2"

	"github.com/zerowire/zerowire/pkg/config"
)

// ServiceType is the fixed DNS-SD service type every ZeroWire tunnel
// advertises itself under.
const ServiceType = "_wireguard._udp"

const saltLen = 32

// Advertisement holds everything needed to register (and later verify)
// one tunnel's mDNS presence on one physical link.
type Advertisement struct {
	Instance string
	Port     int
	Salt     []byte
	Auth     []byte
	Props    map[string]string
}

// Build computes the instance name, salt, and auth digest for tunnel as
// advertised over physicalLink, and returns the fully formed
// Advertisement. port must be the tunnel's resolved WireGuard listen
// port (never nil by the time this runs).
func Build(machineID, physicalLink, hostname string, iface config.Interface, port int) (*Advertisement, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("svcadvert: generate salt: %w", err)
	}

	instance := instanceName(machineID, physicalLink)
	addr := iface.Addr.Addr().String()
	pubkey := base64.StdEncoding.EncodeToString(iface.PublicKey)
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	dnshost := dnsHost(instance)
	auth := authDigest(dnshost, port, addr, hostname, pubkey, saltB64, iface.PSK)

	return &Advertisement{
		Instance: instance,
		Port:     port,
		Salt:     salt,
		Auth:     auth,
		Props: map[string]string{
			"addr":     addr,
			"hostname": hostname,
			"pubkey":   pubkey,
			"salt":     saltB64,
			"auth":     base64.StdEncoding.EncodeToString(auth),
		},
	}, nil
}

// instanceName hex-encodes the first 16 bytes of
// SHA-256(machineID ∥ physicalLink), giving a stable, collision-resistant
// mDNS instance name per physical link.
func instanceName(machineID, physicalLink string) string {
	h := sha256.New()
	h.Write([]byte(machineID))
	h.Write([]byte(physicalLink))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// dnsHost reconstructs the fully qualified instance name the way the
// mDNS library presents it to a browser, "<instance>.<type>.local.",
// which is also the first field hashed into the auth digest so both
// sides agree on it without needing to exchange it separately.
func dnsHost(instance string) string {
	return instance + "." + ServiceType + ".local."
}

// authDigest computes SHA-256(dnshost ∥ port ∥ addr ∥ hostname ∥ pubkey
// ∥ salt ∥ base64(psk)) and returns the raw digest; Build base64-encodes
// it for the "auth" property. Byte order here MUST match peerlistener's
// verification exactly, or every peer is rejected.
func authDigest(dnshost string, port int, addr, hostname, pubkey, saltB64 string, psk []byte) []byte {
	h := sha256.New()
	h.Write([]byte(dnshost))
	h.Write([]byte(strconv.Itoa(port)))
	h.Write([]byte(addr))
	h.Write([]byte(hostname))
	h.Write([]byte(pubkey))
	h.Write([]byte(saltB64))
	h.Write([]byte(base64.StdEncoding.EncodeToString(psk)))
	return h.Sum(nil)
}

// Register publishes adv on the network over the given interfaces
// (typically just the one physical link it was built for) and returns
// the running mDNS server. Callers must call Shutdown when the tunnel
// is torn down.
func Register(adv *Advertisement, ips []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	text := make([]string, 0, len(adv.Props))
	for _, k := range []string{"addr", "hostname", "pubkey", "salt", "auth"} {
		text = append(text, k+"="+adv.Props[k])
	}

	return zeroconf.RegisterProxy(
		adv.Instance,
		ServiceType,
		"local.",
		adv.Port,
		adv.Instance,
		ips,
		text,
		ifaces,
	)
}
