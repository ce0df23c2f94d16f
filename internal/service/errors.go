package service

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrKeyNotFound    = errors.New("key not found")
	ErrKeyExists      = errors.New("key already exists")
	ErrKeyBound       = errors.New("key bound to another device")
)
