// Package discovery finds stream gateways on the local network with
// mDNS/DNS-SD.
//
// Gateways advertise the _livetag._tcp service. The instance name is the
// gateway's display name. TXT records carry:
//
//   - ws: stream path, default /ws/data
//   - api: REST base path, default /rest
//   - tls: "1" when the gateway serves wss and https
//   - project: default project id (optional)
//   - ver: gateway version (optional)
//
// A gateway seen on several interfaces is reported once with the
// addresses of every interface.
package discovery
