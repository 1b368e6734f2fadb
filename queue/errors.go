package queue

import "errors"

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("queue: unknown state")

// ErrItemNotFound is returned when an item with the specified ID is not found.
var ErrItemNotFound = errors.New("queue: item not found")

// ErrLocked is returned by Lock when another worker holds the queue lock.
var ErrLocked = errors.New("queue: locked by another worker")

// ErrEmptyQueueName is returned when an operation is given an empty queue name.
var ErrEmptyQueueName = errors.New("queue: empty queue name")
