package dto

type AnonymousAuthResponse struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}
