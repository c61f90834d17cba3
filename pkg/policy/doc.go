// Package policy integrates the Open Policy Agent (OPA) engine with the
// federation gateway, deciding with Rego policies which remote origins may
// federate with this server.
//
// Decisions are evaluated after the static allow-list and before signature
// verification. Modules can be hot-reloaded without restarting the process.
package policy
