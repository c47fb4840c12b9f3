// Package types provides common type definitions for the payment forwarder.
package types

// Network represents the wallet network the forwarder settles on
type Network string

const (
	// NetworkMainnet represents the main Bitcoin network
	NetworkMainnet Network = "mainnet"
	// NetworkTestnet represents the Bitcoin test network
	NetworkTestnet Network = "testnet"
)

// NetworkFromTestnetFlag maps the USE_TESTNET switch onto a Network
func NetworkFromTestnetFlag(testnet bool) Network {
	if testnet {
		return NetworkTestnet
	}
	return NetworkMainnet
}

// AddressStatus represents the assignment state of a payment address
type AddressStatus string

const (
	// StatusCheckedOut marks an address that is assigned and awaiting payment or forwarding
	StatusCheckedOut AddressStatus = "checked_out"
	// StatusCheckedIn marks an address available for reuse.
	// Rotation is not implemented; nothing transitions a row into this state yet.
	StatusCheckedIn AddressStatus = "checked_in"
)

// IsValid reports whether the status is one of the known values
func (s AddressStatus) IsValid() bool {
	return s == StatusCheckedOut || s == StatusCheckedIn
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
