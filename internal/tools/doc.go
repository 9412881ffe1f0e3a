// Package tools provides host command helpers used by device setup, such
// as bringing the TUN interface up and assigning addresses.
package tools
