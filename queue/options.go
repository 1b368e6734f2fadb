package queue

// AddOptions holds the resolved options of an Add call. Store
// implementations read it through BuildAddOptions.
type AddOptions struct {
	Parent Ref
}

// AddOption configures Add.
type AddOption func(*AddOptions)

// WithParent links the new item to the item whose expansion produced it.
func WithParent(ref Ref) AddOption {
	return func(o *AddOptions) {
		o.Parent = ref
	}
}

// BuildAddOptions applies opts over the defaults.
func BuildAddOptions(opts ...AddOption) AddOptions {
	var o AddOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SelectOptions holds the resolved options of a retry or max-attempts selection.
type SelectOptions struct {
	SkipSealed bool
}

// SelectOption configures GetUnfinishedPreviouslyAttemptedItems and
// FlagMaxAttemptedItemsAsFailed.
type SelectOption func(*SelectOptions)

// SkipSealed excludes items whose expansion already finished; they are
// waiting on children, not stuck.
func SkipSealed() SelectOption {
	return func(o *SelectOptions) {
		o.SkipSealed = true
	}
}

// BuildSelectOptions applies opts over the defaults.
func BuildSelectOptions(opts ...SelectOption) SelectOptions {
	var o SelectOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
