// Package authapi serves login, refresh, logout and device management over HTTP.
package authapi
