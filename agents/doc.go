// Package agents implements agent.Agent for locally hosted kernels and for
// remote A2A endpoints, and the Factory that builds either from a definition.
package agents
