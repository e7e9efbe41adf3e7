// Package ports declares the collaborators the render pipeline depends on.
// Implementations live in rcast/adapters.
package ports
