// Package config parses and validates OpenStrato deployment configuration.
//
// Deployments are written in CUE. A configuration declares one deployment
// block: a backend selector, an environment class, optional variables, and a
// set of modules whose resources are backend-agnostic descriptors:
//
//	deployment: {
//		name:        "web-stack"
//		backend:     "aws"
//		environment: "production"
//
//		variables: {
//			region: "us-east-1"
//		}
//
//		modules: {
//			networking: {
//				resources: {
//					vpc: {
//						kind: "network"
//						properties: {
//							cidr:     "10.0.0.0/16"
//							az_count: 3
//						}
//					}
//				}
//			}
//			database: {
//				depends_on: ["networking"]
//				resources: {
//					main: {
//						kind: "relational_db"
//						properties: {
//							engine:   "postgres"
//							version:  "15"
//							network:  "networking.output.network_id"
//						}
//					}
//				}
//			}
//		}
//	}
//
// String property values of the form "module.output.name" are output
// references; they create dependency edges and are resolved at apply time.
//
// # Computed variables
//
// The optional deployment.compute field holds a Starlark script. Its global
// bindings are merged into deployment.variables before interpolation, so
// procedural values (derived CIDRs, replica counts per environment) can be
// computed without leaving the configuration:
//
//	compute: """
//	subnets = ["10.0.%d.0/24" % i for i in range(3)]
//	"""
//
// Property strings may embed variables with ${var.name}; a placeholder that
// spans the whole string keeps the variable's native type.
//
// # Usage
//
//	parser := config.NewCUEParser()
//	parsed, modules, err := parser.Load(ctx, []string{"deploy.cue"})
//
// Load parses the sources, runs struct-tag and CUE schema validation,
// evaluates computed variables, interpolates properties, and returns
// engine.Module values ready for graph building and planning.
package config
