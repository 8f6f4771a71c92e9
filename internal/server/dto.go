package server

import (
	"greeter/internal/domain"
	"greeter/internal/greeting"
	"greeter/internal/singleton"
)

// Request payloads

type HelloInput struct {
	ID           string `path:"id" minLength:"1" doc:"User id"`
	Organization string `query:"organization" doc:"Optional organization, currently informational"`
}

type UseGreetingRequest struct {
	Message string `json:"message" example:"Hi" doc:"Kept verbatim; must not be empty"`
}

type UseGreetingInput struct {
	ID   string `path:"id" minLength:"1"`
	Body UseGreetingRequest
}

type EventsInput struct {
	N int `query:"n" default:"20" minimum:"1" maximum:"500" doc:"Number of events"`
}

type PeerAskInput struct {
	Body greeting.Envelope
}

// Response payloads

type HelloResponse struct {
	Message string `json:"message" example:"Hello, alice!"`
}

type HelloOutput struct {
	Body HelloResponse
}

type DoneResponse struct {
	Done bool `json:"done"`
}

type DoneOutput struct {
	Body DoneResponse
}

type ClusterOutput struct {
	Body singleton.ClusterStatus
}

type EventsResponse struct {
	Items []domain.Event `json:"items"`
}

type EventsOutput struct {
	Body EventsResponse
}

type PeerAskOutput struct {
	Body singleton.AskReply
}
